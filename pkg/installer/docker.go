package installer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Strategy is a branch of the docker install plan, selected from the
// host's environment classification.
type Strategy string

const (
	// StrategyHostSocket installs the CLI only; the engine daemon is the
	// host's, reached through the mounted socket.
	StrategyHostSocket Strategy = "host-socket"
	// StrategyNested runs a daemon inside the container with a
	// container-safe storage driver and no iptables or bridge.
	StrategyNested Strategy = "nested"
	// StrategyStandard is a system package plus an enabled system service.
	StrategyStandard Strategy = "standard"
)

// minDockerVersion is the oldest engine the worker images are tested on.
const minDockerVersion = "20.10"

// nestedDaemonConfig disables everything that needs kernel privileges a
// container does not have.
const nestedDaemonConfig = `{
  "storage-driver": "vfs",
  "iptables": false,
  "bridge": "none"
}
`

// DockerInstaller installs the container engine.
type DockerInstaller struct{}

func (i *DockerInstaller) Kind() types.ServiceKind { return types.ServiceDocker }

func (i *DockerInstaller) Applicable(facts *types.HostFacts) error {
	return requireFacts(facts, 1)
}

// SelectStrategy maps the probed environment to an install strategy.
func SelectStrategy(env types.Environment) Strategy {
	switch env {
	case types.EnvContainerSocket:
		return StrategyHostSocket
	case types.EnvContainerNested:
		return StrategyNested
	default:
		return StrategyStandard
	}
}

func (i *DockerInstaller) Detect(ctx context.Context, client *remote.Client) (Detection, error) {
	res, err := client.Execute(ctx, "docker --version", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if res.ExitCode != 0 {
		return Detection{State: DetectAbsent}, nil
	}

	version := extractVersion(res.Stdout)
	if !versionCompatible(version, minDockerVersion) {
		return Detection{State: DetectIncompatible, Version: version}, nil
	}

	info, err := client.Execute(ctx, "docker info >/dev/null 2>&1", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if info.ExitCode == 0 {
		return Detection{State: DetectPresentActive, Version: version}, nil
	}
	return Detection{State: DetectPresentInactive, Version: version}, nil
}

func (i *DockerInstaller) Plan(req InstallRequest) ([]Step, error) {
	facts := req.Host.Facts
	strategy := SelectStrategy(facts.Environment)

	switch strategy {
	case StrategyHostSocket:
		return i.planHostSocket(facts)
	case StrategyNested:
		return i.planNested(facts)
	default:
		return i.planStandard(facts)
	}
}

// planHostSocket installs only the CLI; the daemon lives on the outer
// host and is reached through /var/run/docker.sock.
func (i *DockerInstaller) planHostSocket(facts *types.HostFacts) ([]Step, error) {
	install, err := installCmd(facts, "docker.io")
	if err != nil {
		return nil, err
	}
	return []Step{
		{Name: "install-cli", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 8},
		{Name: "check-socket", Command: "test -S /var/run/docker.sock", Weight: 1},
	}, nil
}

// planNested runs a daemon inside the container. systemd is usually
// absent here, so the daemon is started directly and adopted by init.
func (i *DockerInstaller) planNested(facts *types.HostFacts) ([]Step, error) {
	install, err := installCmd(facts, "docker.io")
	if err != nil {
		return nil, err
	}
	return []Step{
		{Name: "install-engine", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 6},
		{Name: "write-daemon-config", Upload: &Upload{
			Path:    "/etc/docker/daemon.json",
			Content: []byte(nestedDaemonConfig),
			Mode:    "0644",
		}, Idempotent: true, Weight: 1},
		{Name: "stop-stale-daemon", Command: "pkill -x dockerd || true", IgnoreErrors: true, Idempotent: true, Weight: 1},
		{
			Name:       "start-daemon",
			Command:    "nohup dockerd >/var/log/dockerd.log 2>&1 & sleep 5",
			Idempotent: true,
			Weight:     2,
		},
	}, nil
}

func (i *DockerInstaller) planStandard(facts *types.HostFacts) ([]Step, error) {
	install, err := installCmd(facts, "docker.io")
	if err != nil {
		return nil, err
	}
	return []Step{
		{Name: "install-engine", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 7},
		{Name: "enable-service", Command: "systemctl enable --now docker", Idempotent: true, Weight: 2},
	}, nil
}

// Verify requires a working CLI banner and a responding daemon. Only a
// full pass authorises adding the engine to the host's services.
func (i *DockerInstaller) Verify(ctx context.Context, client *remote.Client) error {
	res, err := client.Execute(ctx, "docker --version", time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return types.NewFault(types.ErrKindVerifyFailed, "docker CLI not responding: %s", res.Stderr)
	}

	info, err := client.Execute(ctx, "docker info >/dev/null 2>&1", time.Minute)
	if err != nil {
		return err
	}
	if info.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "docker daemon not reachable (exit %d)", info.ExitCode)
	}
	return nil
}

func (i *DockerInstaller) Remove(ctx context.Context, client *remote.Client) error {
	cmds := []string{
		"systemctl disable --now docker 2>/dev/null || pkill -x dockerd || true",
		"apt-get remove -y -qq docker.io 2>/dev/null || yum remove -y -q docker 2>/dev/null || apk del docker 2>/dev/null || true",
	}
	for _, cmd := range cmds {
		if _, err := client.Execute(ctx, cmd, 5*time.Minute); err != nil {
			return fmt.Errorf("docker removal: %w", err)
		}
	}
	return nil
}
