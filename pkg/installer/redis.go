package installer

import (
	"context"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

const minRedisVersion = "5.0"

// RedisInstaller installs the session/cache store.
type RedisInstaller struct{}

func (i *RedisInstaller) Kind() types.ServiceKind { return types.ServiceRedis }

func (i *RedisInstaller) Applicable(facts *types.HostFacts) error {
	return requireFacts(facts, 0.5)
}

func (i *RedisInstaller) Detect(ctx context.Context, client *remote.Client) (Detection, error) {
	res, err := client.Execute(ctx, "redis-server --version", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if res.ExitCode != 0 {
		return Detection{State: DetectAbsent}, nil
	}

	version := extractVersion(res.Stdout)
	if !versionCompatible(version, minRedisVersion) {
		return Detection{State: DetectIncompatible, Version: version}, nil
	}

	active, err := client.Execute(ctx, "redis-cli ping 2>/dev/null | grep -q PONG", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if active.ExitCode == 0 {
		return Detection{State: DetectPresentActive, Version: version}, nil
	}
	return Detection{State: DetectPresentInactive, Version: version}, nil
}

func (i *RedisInstaller) Plan(req InstallRequest) ([]Step, error) {
	pkg := "redis-server"
	if req.Host.Facts.OSFamily == "alpine" || req.Host.Facts.OSFamily == "centos" ||
		req.Host.Facts.OSFamily == "rhel" || req.Host.Facts.OSFamily == "fedora" {
		pkg = "redis"
	}
	install, err := installCmd(req.Host.Facts, pkg)
	if err != nil {
		return nil, err
	}

	steps := []Step{
		{Name: "install-redis", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 6},
	}
	if req.Host.Facts.Environment == types.EnvMetal {
		steps = append(steps, Step{
			Name: "enable-service", Command: "systemctl enable --now " + pkg, Idempotent: true, Weight: 2,
		})
	} else {
		steps = append(steps, Step{
			Name:       "start-redis",
			Command:    "redis-cli ping 2>/dev/null | grep -q PONG || redis-server --daemonize yes --protected-mode no",
			Idempotent: true,
			Weight:     2,
		})
	}
	return steps, nil
}

func (i *RedisInstaller) Verify(ctx context.Context, client *remote.Client) error {
	res, err := client.Execute(ctx, "redis-cli ping", time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "redis not answering PING (exit %d)", res.ExitCode)
	}
	return nil
}

func (i *RedisInstaller) Remove(ctx context.Context, client *remote.Client) error {
	_, err := client.Execute(ctx,
		"systemctl disable --now redis-server 2>/dev/null; pkill -x redis-server; "+
			"apt-get remove -y -qq redis-server 2>/dev/null || yum remove -y -q redis 2>/dev/null || apk del redis 2>/dev/null || true",
		5*time.Minute)
	return err
}
