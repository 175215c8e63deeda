package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// LiteReport is the result of the monitor's lightweight probe:
// connectivity plus per-service status for the host's declared services.
type LiteReport struct {
	Reachable bool                       `json:"reachable"`
	Services  map[types.ServiceKind]bool `json:"services"`
	Err       string                     `json:"err,omitempty"`
}

// serviceChecks maps each service kind to the command that reports
// whether it is running. Exit code zero means healthy.
var serviceChecks = map[types.ServiceKind]string{
	types.ServiceDocker:   "docker info >/dev/null 2>&1",
	types.ServiceNginx:    "pgrep -x nginx >/dev/null || systemctl is-active --quiet nginx",
	types.ServicePostgres: "pg_isready -q || systemctl is-active --quiet postgresql",
	types.ServiceRedis:    "redis-cli ping 2>/dev/null | grep -q PONG || systemctl is-active --quiet redis-server",
}

// ProbeLite checks connectivity and the status of each declared service.
// It dials one session and runs one short check per service.
func (p *Prober) ProbeLite(ctx context.Context, target remote.Target, declared []types.ServiceKind) *LiteReport {
	report := &LiteReport{Services: make(map[types.ServiceKind]bool)}

	client, err := remote.Dial(ctx, target, p.keys, p.connectTimeout)
	if err != nil {
		report.Err = err.Error()
		return report
	}
	defer client.Close()
	report.Reachable = true

	for _, kind := range declared {
		check, ok := serviceChecks[kind]
		if !ok {
			// App workers are health-checked through their HTTP endpoint
			// by the monitor, not over SSH.
			continue
		}
		res, err := client.Execute(ctx, check, p.stepTimeout)
		report.Services[kind] = err == nil && res.ExitCode == 0
	}
	return report
}

// CheckTCP reports whether addr:port accepts a TCP connection within
// timeout. Used for dependency pre-flights.
func CheckTCP(address string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return types.WrapFault(types.ErrKindDependencyMissing, err, "tcp check of %s failed", addr)
	}
	conn.Close()
	return nil
}
