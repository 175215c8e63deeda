package installer

import (
	"context"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// NginxInstaller installs the reverse proxy.
type NginxInstaller struct{}

func (i *NginxInstaller) Kind() types.ServiceKind { return types.ServiceNginx }

func (i *NginxInstaller) Applicable(facts *types.HostFacts) error {
	return requireFacts(facts, 0.5)
}

func (i *NginxInstaller) Detect(ctx context.Context, client *remote.Client) (Detection, error) {
	// nginx prints its banner on stderr.
	res, err := client.Execute(ctx, "nginx -v 2>&1", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if res.ExitCode != 0 {
		return Detection{State: DetectAbsent}, nil
	}
	version := extractVersion(res.Stdout)

	active, err := client.Execute(ctx, "pgrep -x nginx >/dev/null || systemctl is-active --quiet nginx", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if active.ExitCode == 0 {
		return Detection{State: DetectPresentActive, Version: version}, nil
	}
	return Detection{State: DetectPresentInactive, Version: version}, nil
}

func (i *NginxInstaller) Plan(req InstallRequest) ([]Step, error) {
	install, err := installCmd(req.Host.Facts, "nginx")
	if err != nil {
		return nil, err
	}
	steps := []Step{
		{Name: "install-nginx", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 6},
		{Name: "ensure-conf-dir", Command: "mkdir -p /etc/nginx/conf.d", Idempotent: true, Weight: 1},
	}
	if req.Host.Facts.Environment == types.EnvMetal {
		steps = append(steps, Step{
			Name: "enable-service", Command: "systemctl enable --now nginx", Idempotent: true, Weight: 2,
		})
	} else {
		// No init inside a container: run the master process directly.
		steps = append(steps, Step{
			Name: "start-nginx", Command: "nginx -t && (pgrep -x nginx >/dev/null || nginx)", Idempotent: true, Weight: 2,
		})
	}
	return steps, nil
}

func (i *NginxInstaller) Verify(ctx context.Context, client *remote.Client) error {
	res, err := client.Execute(ctx, "nginx -t 2>&1", time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "nginx config test failed: %s", res.Stdout)
	}
	running, err := client.Execute(ctx, "pgrep -x nginx >/dev/null", time.Minute)
	if err != nil {
		return err
	}
	if running.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "nginx master process not running")
	}
	return nil
}

func (i *NginxInstaller) Remove(ctx context.Context, client *remote.Client) error {
	_, err := client.Execute(ctx,
		"systemctl disable --now nginx 2>/dev/null; pkill -x nginx; "+
			"apt-get remove -y -qq nginx 2>/dev/null || yum remove -y -q nginx 2>/dev/null || apk del nginx 2>/dev/null || true",
		5*time.Minute)
	return err
}
