package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// maxTranscript caps the debug transcript kept per probed host.
const maxTranscript = 64 * 1024

// Step names, in execution order. The probe stops at the first failure.
const (
	StepAddress  = "address-format"
	StepTCPReach = "tcp-reach"
	StepAuth     = "auth"
	StepEcho     = "echo-sentinel"
	StepFacts    = "facts"
)

// sentinel is echoed through the session to prove command execution
// works, not just authentication.
const sentinel = "flotilla-probe-ok"

// StepResult is the outcome of one validation step.
type StepResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Report is the full result of probing one host, including every
// intermediate step and a bounded debug transcript for the operator.
type Report struct {
	Address    string           `json:"address"`
	OK         bool             `json:"ok"`
	Steps      []StepResult     `json:"steps"`
	Facts      *types.HostFacts `json:"facts,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
}

// Prober validates credentials and gathers system facts over SSH.
type Prober struct {
	keys           remote.KeyStore
	connectTimeout time.Duration
	stepTimeout    time.Duration
}

// New creates a Prober. stepTimeout bounds each individual step.
func New(keys remote.KeyStore, connectTimeout, stepTimeout time.Duration) *Prober {
	return &Prober{keys: keys, connectTimeout: connectTimeout, stepTimeout: stepTimeout}
}

// Probe runs the five-step validation against the target, stopping at
// the first failure. Facts that fail to parse are recorded as unknown,
// never fatal.
func (p *Prober) Probe(ctx context.Context, target remote.Target) *Report {
	report := &Report{Address: target.Address}
	transcript := &strings.Builder{}
	logger := log.WithComponent("probe")

	step := func(name string, fn func() (string, error)) bool {
		start := time.Now()
		detail, err := fn()
		res := StepResult{Name: name, OK: err == nil, Elapsed: time.Since(start)}
		if err != nil {
			res.Detail = err.Error()
			appendTranscript(transcript, fmt.Sprintf("[%s] FAIL: %v", name, err))
		} else {
			res.Detail = detail
			appendTranscript(transcript, fmt.Sprintf("[%s] ok: %s", name, detail))
		}
		report.Steps = append(report.Steps, res)
		return res.OK
	}

	defer func() {
		report.Transcript = transcript.String()
	}()

	if !step(StepAddress, func() (string, error) {
		return validateAddress(target.Address)
	}) {
		return report
	}

	if !step(StepTCPReach, func() (string, error) {
		addr := net.JoinHostPort(target.Address, fmt.Sprintf("%d", target.Port))
		conn, err := net.DialTimeout("tcp", addr, p.stepTimeout)
		if err != nil {
			return "", types.WrapFault(types.ErrKindUnreachable, err, "tcp probe of %s failed", addr)
		}
		conn.Close()
		return "port open", nil
	}) {
		return report
	}

	client, err := remote.Dial(ctx, target, p.keys, p.connectTimeout)
	if !step(StepAuth, func() (string, error) {
		if err != nil {
			return "", err
		}
		return "authenticated", nil
	}) {
		return report
	}
	defer client.Close()

	if !step(StepEcho, func() (string, error) {
		res, err := client.Execute(ctx, "echo "+sentinel, p.stepTimeout)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(res.Stdout) != sentinel {
			return "", fmt.Errorf("unexpected sentinel output: %q", res.Stdout)
		}
		return "sentinel echoed", nil
	}) {
		return report
	}

	step(StepFacts, func() (string, error) {
		facts := p.collectFacts(ctx, client, transcript)
		report.Facts = facts
		return fmt.Sprintf("cpu=%d mem=%.1fGB disk=%.1fGB os=%s env=%s",
			facts.CPUCores, facts.MemoryGB, facts.DiskGB, facts.OSFamily, facts.Environment), nil
	})

	report.OK = true
	logger.Debug().Str("address", target.Address).Msg("probe completed")
	return report
}

// collectFacts runs the fixed fact-collection commands. Parse failures
// leave the corresponding field at its zero value.
func (p *Prober) collectFacts(ctx context.Context, client *remote.Client, transcript *strings.Builder) *types.HostFacts {
	facts := &types.HostFacts{Environment: types.EnvUnknown, CollectedAt: time.Now().UTC()}

	run := func(cmd string) string {
		res, err := client.Execute(ctx, cmd, p.stepTimeout)
		if err != nil {
			appendTranscript(transcript, fmt.Sprintf("$ %s -> error: %v", cmd, err))
			return ""
		}
		out := strings.TrimSpace(res.Stdout)
		appendTranscript(transcript, fmt.Sprintf("$ %s -> exit=%d %s", cmd, res.ExitCode, firstLine(out)))
		if res.ExitCode != 0 {
			return ""
		}
		return out
	}

	facts.CPUCores = parseCores(run("nproc"))
	facts.MemoryGB = parseMemoryGB(run("free -m | awk '/^Mem:/{print $2}'"))
	facts.DiskGB = parseDiskGB(run("df -BG --output=avail / | tail -1"))
	facts.OSFamily, facts.OSVersion = parseOSRelease(run("cat /etc/os-release"))
	facts.Kernel = run("uname -r")

	// sudo -n exits non-zero when a password would be required.
	sudoRes, err := client.Execute(ctx, "sudo -n true", p.stepTimeout)
	if err == nil && sudoRes.ExitCode == 0 {
		facts.HasSudo = true
	}

	facts.Environment = classifyEnvironment(func(path string) bool {
		res, err := client.Execute(ctx, "test -e "+remote.Quote(path), p.stepTimeout)
		return err == nil && res.ExitCode == 0
	})

	return facts
}

// classifyEnvironment labels the host from filesystem markers. exists is
// a probe for one remote path.
func classifyEnvironment(exists func(path string) bool) types.Environment {
	inContainer := exists("/.dockerenv") || exists("/run/.containerenv")
	if !inContainer {
		return types.EnvMetal
	}
	if exists("/var/run/docker.sock") {
		return types.EnvContainerSocket
	}
	return types.EnvContainerNested
}

func validateAddress(address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("empty address")
	}
	if ip := net.ParseIP(address); ip != nil {
		return "ip " + ip.String(), nil
	}
	// Hostnames are allowed when they resolve to something plausible.
	if strings.ContainsAny(address, " \t\n") {
		return "", fmt.Errorf("malformed address %q", address)
	}
	return "hostname " + address, nil
}

func appendTranscript(b *strings.Builder, line string) {
	if b.Len() >= maxTranscript {
		return
	}
	remaining := maxTranscript - b.Len()
	if len(line)+1 > remaining {
		line = line[:remaining-1]
	}
	b.WriteString(line)
	b.WriteByte('\n')
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
