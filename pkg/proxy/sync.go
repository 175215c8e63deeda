package proxy

import (
	"context"
	"time"

	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/monitor"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// alertKindApplyFailed is the dedup kind for failed config pushes.
const alertKindApplyFailed = "proxy-config"

// Syncer regenerates the proxy configuration from the current fleet
// state and pushes it to the nginx host.
type Syncer struct {
	store          storage.Store
	inv            *inventory.Inventory
	manager        *Manager
	keys           remote.KeyStore
	alerter        *monitor.Alerter
	connectTimeout time.Duration
}

// NewSyncer creates a Syncer. alerter may be nil in tests that only
// exercise rendering.
func NewSyncer(store storage.Store, inv *inventory.Inventory, manager *Manager, keys remote.KeyStore, alerter *monitor.Alerter, connectTimeout time.Duration) *Syncer {
	return &Syncer{store: store, inv: inv, manager: manager, keys: keys, alerter: alerter, connectTimeout: connectTimeout}
}

// Sync renders and applies the configuration. With no nginx host under
// management yet there is nothing to push and Sync is a no-op. A failed
// push raises a critical alert against the proxy host; a later
// successful push resolves it.
func (s *Syncer) Sync(ctx context.Context) error {
	proxyHost, err := s.proxyHost()
	if err != nil {
		return err
	}
	if proxyHost == nil {
		log.WithComponent("proxy").Debug().Msg("no active nginx host, skipping proxy sync")
		return nil
	}

	upstreams, err := s.upstreams()
	if err != nil {
		return err
	}
	domains, err := s.store.ListDomains()
	if err != nil {
		return err
	}
	rendered := Generate(upstreams, domains)

	target, err := s.inv.Target(proxyHost)
	if err != nil {
		return err
	}
	client, err := remote.Dial(ctx, target, s.keys, s.connectTimeout)
	if err != nil {
		s.reportApplyFailure(proxyHost.ID, err)
		return err
	}
	defer client.Close()

	if err := s.manager.Apply(ctx, client, rendered); err != nil {
		s.reportApplyFailure(proxyHost.ID, err)
		return err
	}
	s.reportApplyRecovered(proxyHost.ID)
	return nil
}

func (s *Syncer) reportApplyFailure(hostID int64, cause error) {
	if s.alerter == nil {
		return
	}
	_, err := s.alerter.Raise(monitor.RaiseRequest{
		Kind:     alertKindApplyFailed,
		Severity: types.SeverityCritical,
		HostID:   hostID,
		Service:  types.ServiceNginx,
	})
	if err != nil {
		log.WithComponent("proxy").Error().Err(err).Msg("cannot raise proxy alert")
	}
	log.WithComponent("proxy").Error().Err(cause).Int64("host_id", hostID).Msg("proxy config push failed")
}

// reportApplyRecovered closes the outstanding push-failure alert once a
// push goes through again.
func (s *Syncer) reportApplyRecovered(hostID int64) {
	if s.alerter == nil {
		return
	}
	alert, err := s.store.FindActiveAlert(alertKindApplyFailed, hostID, "", types.ServiceNginx)
	if err != nil || alert == nil {
		return
	}
	if _, err := s.alerter.Resolve(alert.ID, "proxy config push recovered"); err != nil {
		log.WithComponent("proxy").Error().Err(err).Msg("cannot resolve proxy alert")
	}
}

// proxyHost returns the active host running nginx, or nil when none
// exists yet.
func (s *Syncer) proxyHost() (*types.Host, error) {
	hosts, err := s.inv.ListByRole(types.ServiceNginx)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.HasService(types.ServiceNginx) {
			return h, nil
		}
	}
	return nil, nil
}

// upstreams maps running placements to their host addresses.
func (s *Syncer) upstreams() ([]Upstream, error) {
	placements, err := s.store.ListPlacements()
	if err != nil {
		return nil, err
	}
	hosts, err := s.inv.List()
	if err != nil {
		return nil, err
	}
	addrByID := make(map[int64]string, len(hosts))
	for _, h := range hosts {
		addrByID[h.ID] = h.Address
	}

	var ups []Upstream
	for _, p := range placements {
		if p.Status != types.PlacementRunning {
			continue
		}
		addr, ok := addrByID[p.HostID]
		if !ok {
			continue
		}
		ups = append(ups, Upstream{Name: p.Name, Address: addr, Port: p.Port})
	}
	return ups, nil
}
