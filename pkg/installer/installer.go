package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// DetectState is the result of probing for an already-present service.
type DetectState string

const (
	DetectAbsent          DetectState = "absent"
	DetectPresentInactive DetectState = "present-inactive"
	DetectPresentActive   DetectState = "present-active"
	DetectIncompatible    DetectState = "incompatible"
)

// Detection reports whether a service is present and at what version.
type Detection struct {
	State   DetectState
	Version string
}

// Upload is a file-upload step payload.
type Upload struct {
	Path    string
	Content []byte
	Mode    string
}

// Step is one unit of an install plan: either a command or an upload.
type Step struct {
	Name    string
	Command string
	Upload  *Upload
	Timeout time.Duration

	// IgnoreErrors continues past a non-zero exit.
	IgnoreErrors bool
	// Retryable re-attempts the step with backoff up to maxAttempts.
	Retryable bool
	// Idempotent marks the step safe to re-run.
	Idempotent bool

	// Weight is the step's share of plan progress.
	Weight int
}

// InstallRequest carries everything a Plan needs: the target host's
// facts and the task's configuration blob.
type InstallRequest struct {
	Host   *types.Host
	Config map[string]string
}

// Installer is one service-kind installer: detection, applicability,
// plan generation, post-install verification, and best-effort removal.
type Installer interface {
	Kind() types.ServiceKind
	// Applicable returns nil when the host's facts support this service.
	Applicable(facts *types.HostFacts) error
	Detect(ctx context.Context, client *remote.Client) (Detection, error)
	Plan(req InstallRequest) ([]Step, error)
	// Verify must pass before the host's current services gain the kind.
	Verify(ctx context.Context, client *remote.Client) error
	Remove(ctx context.Context, client *remote.Client) error
}

// Registry holds one installer per service kind.
type Registry struct {
	installers map[types.ServiceKind]Installer
}

// NewRegistry builds the registry with all known installers.
func NewRegistry() *Registry {
	r := &Registry{installers: make(map[types.ServiceKind]Installer)}
	for _, inst := range []Installer{
		&DockerInstaller{},
		&NginxInstaller{},
		&PostgresInstaller{},
		&RedisInstaller{},
		&OdooInstaller{},
	} {
		r.installers[inst.Kind()] = inst
	}
	return r
}

// Get returns the installer for a kind.
func (r *Registry) Get(kind types.ServiceKind) (Installer, error) {
	inst, ok := r.installers[kind]
	if !ok {
		return nil, types.NewFault(types.ErrKindNotFound, "no installer for service kind %q", kind)
	}
	return inst, nil
}

// Kinds lists the registered service kinds.
func (r *Registry) Kinds() []types.ServiceKind {
	kinds := make([]types.ServiceKind, 0, len(r.installers))
	for k := range r.installers {
		kinds = append(kinds, k)
	}
	return kinds
}

const (
	maxAttempts    = 3
	retryBase      = 2 * time.Second
	defaultTimeout = 5 * time.Minute
)

// Runner executes an install plan step by step against one host,
// reporting log lines and plan-relative progress.
type Runner struct {
	Client *remote.Client
	// Log receives one line per notable event.
	Log func(line string)
	// Progress receives plan completion 0..100, monotonically.
	Progress func(percent int)
}

func (r *Runner) logf(format string, args ...any) {
	if r.Log != nil {
		r.Log(fmt.Sprintf(format, args...))
	}
}

// Run executes the steps in order. Non-zero exits are classified by the
// harmless-stderr allowlist before they fail a step.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	total := 0
	for _, s := range steps {
		if s.Weight <= 0 {
			s.Weight = 1
		}
		total += max(s.Weight, 1)
	}

	done := 0
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return types.WrapFault(types.ErrKindTimeout, err, "plan cancelled before step %s", step.Name)
		}
		if err := r.runStep(ctx, step); err != nil {
			return err
		}
		done += max(step.Weight, 1)
		if r.Progress != nil {
			r.Progress(done * 100 / total)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attempts := 1
	if step.Retryable {
		attempts = maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := retryBase * time.Duration(1<<(attempt-2))
			r.logf("step %s: retrying in %s (attempt %d/%d)", step.Name, backoff, attempt, attempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return types.WrapFault(types.ErrKindTimeout, ctx.Err(), "step %s cancelled", step.Name)
			}
		}

		lastErr = r.attempt(ctx, step, timeout)
		if lastErr == nil {
			return nil
		}
		// Timeouts and cancellations are not retried within the step.
		if types.IsKind(lastErr, types.ErrKindTimeout) {
			return lastErr
		}
	}
	return lastErr
}

func (r *Runner) attempt(ctx context.Context, step Step, timeout time.Duration) error {
	if step.Upload != nil {
		r.logf("step %s: uploading %s (%d bytes)", step.Name, step.Upload.Path, len(step.Upload.Content))
		uploadCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return r.Client.Upload(uploadCtx, step.Upload.Path, step.Upload.Content, step.Upload.Mode)
	}

	r.logf("step %s: $ %s", step.Name, step.Command)
	res, err := r.Client.ExecuteStream(ctx, step.Command, timeout, func(line string) {
		if r.Log != nil {
			r.Log(line)
		}
	})
	if err != nil {
		return err
	}

	if res.ExitCode != 0 {
		if Harmless(res.Stderr) {
			r.logf("step %s: exit %d with harmless stderr, continuing", step.Name, res.ExitCode)
			return nil
		}
		if step.IgnoreErrors {
			r.logf("step %s: exit %d ignored", step.Name, res.ExitCode)
			return nil
		}
		return types.NewFault(types.ErrKindCommandFailed,
			"step %s failed with exit %d: %s", step.Name, res.ExitCode, firstLines(res.Stderr, 5))
	}
	return nil
}

func firstLines(s string, n int) string {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[:i]
			}
		}
	}
	return s
}
