package monitor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Checker abstracts the per-host SSH checks so the monitor loops can be
// tested without a fleet.
type Checker interface {
	CheckHost(ctx context.Context, host *types.Host) *probe.LiteReport
	SampleHost(ctx context.Context, host *types.Host) (*types.MetricSample, error)
}

// sshChecker is the production Checker. It dials each host fresh per
// check; the monitor intervals are long enough that connection reuse
// is not worth the state.
type sshChecker struct {
	inv            *inventory.Inventory
	prober         *probe.Prober
	keys           remote.KeyStore
	connectTimeout time.Duration
	cmdTimeout     time.Duration
}

// NewSSHChecker creates the production checker.
func NewSSHChecker(inv *inventory.Inventory, prober *probe.Prober, keys remote.KeyStore, connectTimeout, cmdTimeout time.Duration) Checker {
	return &sshChecker{
		inv:            inv,
		prober:         prober,
		keys:           keys,
		connectTimeout: connectTimeout,
		cmdTimeout:     cmdTimeout,
	}
}

func (c *sshChecker) CheckHost(ctx context.Context, host *types.Host) *probe.LiteReport {
	target, err := c.inv.Target(host)
	if err != nil {
		return &probe.LiteReport{Err: err.Error()}
	}
	return c.prober.ProbeLite(ctx, target, host.Roles)
}

// sampleCommands produce one number each on stdout.
var sampleCommands = []struct {
	name string
	cmd  string
}{
	{"cpu", `vmstat 1 2 | tail -1 | awk '{print 100-$15}'`},
	{"mem", `free | awk '/Mem:/{printf "%.1f", $3/$2*100}'`},
	{"disk", `df -P / | awk 'NR==2{gsub("%","",$5); print $5}'`},
	{"load", `cut -d' ' -f1 /proc/loadavg`},
}

func (c *sshChecker) SampleHost(ctx context.Context, host *types.Host) (*types.MetricSample, error) {
	target, err := c.inv.Target(host)
	if err != nil {
		return nil, err
	}
	client, err := remote.Dial(ctx, target, c.keys, c.connectTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sample := &types.MetricSample{HostID: host.ID, CollectedAt: time.Now().UTC()}
	for _, sc := range sampleCommands {
		res, err := client.Execute(ctx, sc.cmd, c.cmdTimeout)
		if err != nil || res.ExitCode != 0 {
			// A single unparseable metric stays at zero.
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
		if err != nil {
			continue
		}
		switch sc.name {
		case "cpu":
			sample.CPUPercent = value
		case "mem":
			sample.MemPercent = value
		case "disk":
			sample.DiskPercent = value
		case "load":
			sample.LoadAvg1 = value
		}
	}
	return sample, nil
}
