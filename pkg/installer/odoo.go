package installer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// odooImage is the worker image every placement runs.
const odooImage = "odoo:17"

// OdooInstaller deploys one application worker as a container on a host
// that already runs the engine. It requires reachable database and cache
// coordinates in the task config and refuses to mutate anything before
// both answer.
type OdooInstaller struct{}

func (i *OdooInstaller) Kind() types.ServiceKind { return types.ServiceOdooWorker }

func (i *OdooInstaller) Applicable(facts *types.HostFacts) error {
	return requireFacts(facts, 2)
}

func (i *OdooInstaller) Detect(ctx context.Context, client *remote.Client) (Detection, error) {
	res, err := client.Execute(ctx, "docker ps --filter name=flotilla-worker --format '{{.Names}}'", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return Detection{State: DetectAbsent}, nil
	}
	return Detection{State: DetectPresentActive}, nil
}

// workerConfig is the validated shape of the task config blob.
type workerConfig struct {
	Name       string
	Port       int
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	CacheHost  string
	CachePort  int
}

func parseWorkerConfig(cfg map[string]string) (*workerConfig, error) {
	wc := &workerConfig{
		Name:       cfg["name"],
		DBHost:     cfg["db_host"],
		DBUser:     cfg["db_user"],
		DBPassword: cfg["db_password"],
		CacheHost:  cfg["cache_host"],
	}
	var err error
	if wc.Port, err = strconv.Atoi(cfg["port"]); err != nil {
		return nil, fmt.Errorf("invalid worker port %q", cfg["port"])
	}
	if wc.DBPort, err = strconv.Atoi(cfg["db_port"]); err != nil {
		return nil, fmt.Errorf("invalid db_port %q", cfg["db_port"])
	}
	if wc.CachePort, err = strconv.Atoi(cfg["cache_port"]); err != nil {
		return nil, fmt.Errorf("invalid cache_port %q", cfg["cache_port"])
	}
	for key, val := range map[string]string{
		"name": wc.Name, "db_host": wc.DBHost, "db_user": wc.DBUser,
		"db_password": wc.DBPassword, "cache_host": wc.CacheHost,
	} {
		if val == "" {
			return nil, fmt.Errorf("missing required config key %q", key)
		}
	}
	return wc, nil
}

// Preflight verifies the worker's database and cache are reachable. It
// runs before Plan so a failing dependency never mutates the host.
func (i *OdooInstaller) Preflight(cfg map[string]string, timeout time.Duration) error {
	wc, err := parseWorkerConfig(cfg)
	if err != nil {
		return types.WrapFault(types.ErrKindDependencyMissing, err, "worker config incomplete")
	}
	if err := probe.CheckTCP(wc.DBHost, wc.DBPort, timeout); err != nil {
		return err
	}
	return probe.CheckTCP(wc.CacheHost, wc.CachePort, timeout)
}

func renderOdooConf(wc *workerConfig) []byte {
	return []byte(fmt.Sprintf(`[options]
db_host = %s
db_port = %d
db_user = %s
db_password = %s
proxy_mode = True
workers = 2
session_redis = True
session_redis_host = %s
session_redis_port = %d
`, wc.DBHost, wc.DBPort, wc.DBUser, wc.DBPassword, wc.CacheHost, wc.CachePort))
}

func (i *OdooInstaller) Plan(req InstallRequest) ([]Step, error) {
	wc, err := parseWorkerConfig(req.Config)
	if err != nil {
		return nil, types.WrapFault(types.ErrKindDependencyMissing, err, "worker config incomplete")
	}

	container := "flotilla-worker-" + wc.Name
	confDir := "/opt/flotilla/workers/" + wc.Name

	run := remote.Quote(
		"docker", "run", "-d",
		"--name", container,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:8069", wc.Port),
		"-v", confDir+":/etc/odoo",
		odooImage,
	)

	return []Step{
		{Name: "pull-image", Command: "docker pull " + odooImage, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 5},
		{Name: "prepare-dirs", Command: "mkdir -p " + remote.Quote(confDir), Idempotent: true, Weight: 1},
		{Name: "write-config", Upload: &Upload{
			Path:    confDir + "/odoo.conf",
			Content: renderOdooConf(wc),
			Mode:    "0640",
		}, Idempotent: true, Weight: 1},
		{Name: "remove-stale-container", Command: "docker rm -f " + remote.Quote(container) + " 2>/dev/null || true", IgnoreErrors: true, Idempotent: true, Weight: 1},
		{Name: "start-worker", Command: run, Weight: 2},
	}, nil
}

// Verify waits for the worker's HTTP endpoint to answer on the host.
func (i *OdooInstaller) Verify(ctx context.Context, client *remote.Client) error {
	res, err := client.Execute(ctx,
		"docker ps --filter name=flotilla-worker --filter status=running --format '{{.Names}}' | head -1",
		time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return types.NewFault(types.ErrKindVerifyFailed, "worker container not running")
	}
	return nil
}

// VerifyWorker checks one named placement's container and its HTTP
// health endpoint from inside the host.
func (i *OdooInstaller) VerifyWorker(ctx context.Context, client *remote.Client, name string, port int) error {
	container := "flotilla-worker-" + name
	res, err := client.Execute(ctx,
		"docker inspect -f '{{.State.Running}}' "+remote.Quote(container), time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || res.Stdout == "" {
		return types.NewFault(types.ErrKindVerifyFailed, "container %s not found", container)
	}

	health, err := client.Execute(ctx,
		fmt.Sprintf("curl -fsS -m 10 -o /dev/null http://127.0.0.1:%d/web/health", port), 2*time.Minute)
	if err != nil {
		return err
	}
	if health.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "worker %s health endpoint not answering on port %d", name, port)
	}
	return nil
}

func (i *OdooInstaller) Remove(ctx context.Context, client *remote.Client) error {
	_, err := client.Execute(ctx,
		"docker ps -a --filter name=flotilla-worker --format '{{.Names}}' | xargs -r docker rm -f",
		5*time.Minute)
	return err
}

// RemoveWorker removes a single placement's container.
func (i *OdooInstaller) RemoveWorker(ctx context.Context, client *remote.Client, name string) error {
	_, err := client.Execute(ctx,
		"docker rm -f "+remote.Quote("flotilla-worker-"+name)+" 2>/dev/null || true",
		5*time.Minute)
	return err
}
