package proxy

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

const confFile = "flotilla.conf"

// healthPollInterval spaces the post-reload health checks.
const healthPollInterval = 3 * time.Second

// Executor is the slice of the SSH client the apply pipeline needs.
// Satisfied by remote.Client.
type Executor interface {
	Execute(ctx context.Context, cmd string, timeout time.Duration) (remote.Result, error)
	Upload(ctx context.Context, remotePath string, content []byte, mode string) error
}

// Manager applies proxy configuration to the nginx host. Applies are
// serialized: concurrent placement and domain changes queue behind the
// mutex rather than racing on the staged file.
type Manager struct {
	cfg config.ProxyConfig

	mu       sync.Mutex
	lastGood []byte
}

// NewManager creates a Manager.
func NewManager(cfg config.ProxyConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Apply pushes the rendered configuration through the staged pipeline:
// upload beside the live file, swap with a backup, validate, reload,
// and poll health. Any failure after the swap rolls the backup file
// back and reloads again; the caller gets a ConfigInvalid fault to turn
// into an alert.
func (m *Manager) Apply(ctx context.Context, client Executor, rendered []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bytes.Equal(rendered, m.lastGood) {
		log.WithComponent("proxy").Debug().Msg("configuration unchanged, skipping reload")
		return nil
	}

	live := path.Join(m.cfg.ConfDir, confFile)
	staged := live + ".staged"
	backup := live + ".bak"

	if err := client.Upload(ctx, staged, rendered, "0644"); err != nil {
		return types.WrapFault(types.ErrKindCommandFailed, err, "failed to stage proxy config")
	}

	// Swap staged into place, keeping the previous file for rollback.
	swap := fmt.Sprintf("cp -f %s %s 2>/dev/null; mv %s %s",
		remote.Quote(live), remote.Quote(backup), remote.Quote(staged), remote.Quote(live))
	if res, err := client.Execute(ctx, swap, 30*time.Second); err != nil {
		return types.WrapFault(types.ErrKindCommandFailed, err, "failed to swap proxy config")
	} else if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindCommandFailed, "failed to swap proxy config: %s", res.Stderr)
	}

	if err := m.validateAndReload(ctx, client); err != nil {
		m.rollback(ctx, client, live, backup)
		return types.WrapFault(types.ErrKindConfigInvalid, err, "proxy config rejected, previous config restored")
	}

	if err := m.pollHealth(ctx, client); err != nil {
		m.rollback(ctx, client, live, backup)
		return types.WrapFault(types.ErrKindConfigInvalid, err, "proxy unhealthy after reload, previous config restored")
	}

	m.lastGood = append([]byte(nil), rendered...)
	metrics.ProxyReloadsTotal.WithLabelValues("success").Inc()
	log.WithComponent("proxy").Info().Int("bytes", len(rendered)).Msg("proxy configuration applied")
	return nil
}

func (m *Manager) validateAndReload(ctx context.Context, client Executor) error {
	res, err := client.Execute(ctx, "nginx -t", 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("nginx -t: %s", res.Stderr)
	}

	res, err = client.Execute(ctx, "nginx -s reload", m.cfg.ReloadTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("nginx -s reload: %s", res.Stderr)
	}
	return nil
}

// pollHealth waits for nginx to keep answering after the reload. The
// master process re-execs workers asynchronously, so a single immediate
// check can pass and still die a second later.
func (m *Manager) pollHealth(ctx context.Context, client Executor) error {
	deadline := time.Now().Add(m.cfg.ReloadTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		res, err := client.Execute(ctx, "pgrep -x nginx >/dev/null && curl -fsS -o /dev/null -m 5 http://127.0.0.1/ || true; pgrep -x nginx >/dev/null", 15*time.Second)
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		lastErr = fmt.Errorf("nginx not running after reload")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("health poll window elapsed")
	}
	return lastErr
}

func (m *Manager) rollback(ctx context.Context, client Executor, live, backup string) {
	metrics.ProxyReloadsTotal.WithLabelValues("rollback").Inc()
	restore := fmt.Sprintf("mv -f %s %s && nginx -s reload", remote.Quote(backup), remote.Quote(live))
	if res, err := client.Execute(ctx, restore, 30*time.Second); err != nil || res.ExitCode != 0 {
		log.WithComponent("proxy").Error().Err(err).Msg("rollback of proxy config failed")
		return
	}
	log.WithComponent("proxy").Warn().Msg("rolled back to previous proxy config")
}
