package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/pkg/discovery"
	"github.com/flotillahq/flotilla/pkg/types"
)

// handleNetworkScan sweeps a CIDR range and streams findings into the
// task log. The final candidate list is appended as JSON so the client
// can offer one-click onboarding.
func (e *Engine) handleNetworkScan(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	var bundles []types.CredentialBundle
	if task.Config["user"] != "" {
		bundles = append(bundles, types.CredentialBundle{
			User:           task.Config["user"],
			Password:       task.Config["password"],
			PrivateKeyPath: task.Config["private_key_path"],
		})
	}

	sink.SetPhase("sweep")
	found, err := e.scanner.Scan(ctx, task.Config["cidr"], bundles, func(c discovery.Candidate) {
		line := fmt.Sprintf("found %s (latency %s)", c.Address, c.Latency.Round(time.Millisecond))
		if c.Authenticated {
			line += fmt.Sprintf(", authenticated as %s: %s", c.User, c.Banner)
		}
		sink.Line(line)
	})
	if err != nil {
		return err
	}

	sink.SetPhase("report")
	report, err := json.Marshal(found)
	if err != nil {
		return err
	}
	sink.Line(fmt.Sprintf("scan finished: %d reachable addresses", len(found)))
	sink.Line("candidates: " + string(report))
	return nil
}
