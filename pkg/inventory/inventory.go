package inventory

import (
	"fmt"
	"sort"
	"time"

	"github.com/flotillahq/flotilla/pkg/creds"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// maintenanceThreshold is how many consecutive probe failures move a
// host to maintenance; recovery needs operator action.
const maintenanceThreshold = 3

// updateRetries bounds optimistic-concurrency retry loops.
const updateRetries = 3

// Inventory is the authoritative repository of hosts. Credentials are
// encrypted at this boundary: the store only ever sees ciphertext, and
// plaintext exists transiently while building an SSH target.
type Inventory struct {
	store storage.Store
	creds *creds.Store
}

// New creates an Inventory.
func New(store storage.Store, credStore *creds.Store) *Inventory {
	return &Inventory{store: store, creds: credStore}
}

// AddHostRequest is the operator-supplied description of a new host.
type AddHostRequest struct {
	Name           string
	Address        string
	SSHPort        int
	SSHUser        string
	Password       string
	PrivateKeyPath string
	Roles          []types.ServiceKind
}

// AddHost validates the request, encrypts the password, and persists the
// host in pending status.
func (inv *Inventory) AddHost(req AddHostRequest) (*types.Host, error) {
	if req.Name == "" || req.Address == "" || req.SSHUser == "" {
		return nil, types.NewFault(types.ErrKindConfigInvalid, "host name, address, and user are required")
	}
	if (req.Password == "") == (req.PrivateKeyPath == "") {
		return nil, types.NewFault(types.ErrKindConfigInvalid,
			"exactly one of password or private key path must be provided")
	}
	if req.SSHPort <= 0 {
		req.SSHPort = 22
	}

	host := &types.Host{
		Name:        req.Name,
		Address:     req.Address,
		SSHPort:     req.SSHPort,
		SSHUser:     req.SSHUser,
		Roles:       req.Roles,
		Status:      types.HostStatusPending,
		HealthScore: 0,
	}

	if req.Password != "" {
		host.AuthKind = types.AuthPassword
		encrypted, err := inv.creds.Encrypt([]byte(req.Password))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		host.EncryptedPassword = encrypted
	} else {
		host.AuthKind = types.AuthPrivateKey
		host.PrivateKeyPath = req.PrivateKeyPath
	}

	if err := inv.store.CreateHost(host); err != nil {
		return nil, err
	}
	return host, nil
}

// Target builds an SSH target for the host, decrypting the password
// only for the returned value.
func (inv *Inventory) Target(host *types.Host) (remote.Target, error) {
	target := remote.Target{
		Address: host.Address,
		Port:    host.SSHPort,
		User:    host.SSHUser,
	}
	switch host.AuthKind {
	case types.AuthPassword:
		plaintext, err := inv.creds.Decrypt(host.EncryptedPassword)
		if err != nil {
			return remote.Target{}, types.WrapFault(types.ErrKindAuthFailed, err,
				"cannot decrypt credentials for host %d", host.ID)
		}
		target.Password = string(plaintext)
	case types.AuthPrivateKey:
		target.PrivateKeyPath = host.PrivateKeyPath
	default:
		return remote.Target{}, types.NewFault(types.ErrKindAuthFailed, "host %d has no auth material", host.ID)
	}
	return target, nil
}

// Get returns one host.
func (inv *Inventory) Get(id int64) (*types.Host, error) {
	return inv.store.GetHost(id)
}

// List returns all hosts.
func (inv *Inventory) List() ([]*types.Host, error) {
	return inv.store.ListHosts()
}

// ListByRole returns active hosts eligible for the role.
func (inv *Inventory) ListByRole(role types.ServiceKind) ([]*types.Host, error) {
	hosts, err := inv.store.ListHosts()
	if err != nil {
		return nil, err
	}
	var eligible []*types.Host
	for _, h := range hosts {
		if h.Status == types.HostStatusActive && h.HasRole(role) {
			eligible = append(eligible, h)
		}
	}
	return eligible, nil
}

// Weights tunes the placement score. Zero values fall back to defaults.
type Weights struct {
	Health    float64
	Load      float64
	Resources float64
}

func (w Weights) orDefaults() Weights {
	if w.Health == 0 && w.Load == 0 && w.Resources == 0 {
		return Weights{Health: 1.0, Load: 0.5, Resources: 0.25}
	}
	return w
}

// PickForPlacement returns the active, role-eligible host with the best
// composite score of health, inverse placement count, and free
// resources. Ties break on the lowest id for determinism.
func (inv *Inventory) PickForPlacement(role types.ServiceKind, weights Weights) (*types.Host, error) {
	hosts, err := inv.ListByRole(role)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, types.NewFault(types.ErrKindCapacityExceeded, "no active host eligible for role %s", role)
	}

	w := weights.orDefaults()
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })

	var best *types.Host
	bestScore := -1.0
	for _, h := range hosts {
		count, err := inv.activePlacementCount(h.ID)
		if err != nil {
			return nil, err
		}
		score := inv.score(h, count, w)
		if score > bestScore {
			best = h
			bestScore = score
		}
	}
	return best, nil
}

func (inv *Inventory) activePlacementCount(hostID int64) (int, error) {
	placements, err := inv.store.ListPlacementsByHost(hostID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range placements {
		if p.Active() {
			count++
		}
	}
	return count, nil
}

func (inv *Inventory) score(h *types.Host, placementCount int, w Weights) float64 {
	score := w.Health * float64(h.HealthScore)
	score += w.Load * 100 / float64(placementCount+1)
	if h.Facts != nil {
		// Free capacity proxy: cores and memory scale the headroom term.
		score += w.Resources * (float64(h.Facts.CPUCores)*4 + h.Facts.MemoryGB)
	}
	return score
}

// UpdateFacts stores freshly probed facts, retrying on version
// conflicts with other writers.
func (inv *Inventory) UpdateFacts(hostID int64, facts *types.HostFacts) error {
	return inv.withRetry(hostID, func(h *types.Host) error {
		h.Facts = facts
		return nil
	})
}

// SetServices replaces the host's current services. Every entry must be
// one of the host's declared roles.
func (inv *Inventory) SetServices(hostID int64, services []types.ServiceKind) error {
	return inv.withRetry(hostID, func(h *types.Host) error {
		for _, s := range services {
			if !h.HasRole(s) {
				return types.NewFault(types.ErrKindConfigInvalid,
					"service %s is not a declared role of host %d", s, hostID)
			}
		}
		h.CurrentServices = services
		return nil
	})
}

// AddService marks one service installed after a passing verify.
func (inv *Inventory) AddService(hostID int64, kind types.ServiceKind) error {
	return inv.withRetry(hostID, func(h *types.Host) error {
		if !h.HasRole(kind) {
			return types.NewFault(types.ErrKindConfigInvalid,
				"service %s is not a declared role of host %d", kind, hostID)
		}
		if !h.HasService(kind) {
			h.CurrentServices = append(h.CurrentServices, kind)
		}
		return nil
	})
}

// RemoveService drops one service from the host's running set.
func (inv *Inventory) RemoveService(hostID int64, kind types.ServiceKind) error {
	return inv.withRetry(hostID, func(h *types.Host) error {
		var kept []types.ServiceKind
		for _, s := range h.CurrentServices {
			if s != kind {
				kept = append(kept, s)
			}
		}
		h.CurrentServices = kept
		return nil
	})
}

// SetStatus transitions the host lifecycle.
func (inv *Inventory) SetStatus(hostID int64, status types.HostStatus) error {
	return inv.withRetry(hostID, func(h *types.Host) error {
		h.Status = status
		if status == types.HostStatusActive {
			h.ProbeFailures = 0
		}
		return nil
	})
}

// ProbeOutcome records a monitor probe result. Three consecutive
// failures transition an active host to maintenance; the returned flag
// tells the caller to raise the alert.
type ProbeOutcome struct {
	ToMaintenance bool
}

// RecordProbe persists the probe result and health score.
func (inv *Inventory) RecordProbe(hostID int64, ok bool, score int, at time.Time) (ProbeOutcome, error) {
	var outcome ProbeOutcome
	err := inv.withRetry(hostID, func(h *types.Host) error {
		outcome = ProbeOutcome{}
		h.LastProbeAt = at
		if ok {
			h.ProbeFailures = 0
			h.HealthScore = score
			return nil
		}
		h.ProbeFailures++
		h.HealthScore = 0
		if h.Status == types.HostStatusActive && h.ProbeFailures >= maintenanceThreshold {
			h.Status = types.HostStatusMaintenance
			outcome.ToMaintenance = true
			log.WithHostID(hostID).Warn().
				Int("failures", h.ProbeFailures).
				Msg("host moved to maintenance after consecutive probe failures")
		}
		return nil
	})
	return outcome, err
}

// withRetry loads, mutates, and saves a host, retrying on version
// conflicts.
func (inv *Inventory) withRetry(hostID int64, mutate func(*types.Host) error) error {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		host, err := inv.store.GetHost(hostID)
		if err != nil {
			return err
		}
		if err := mutate(host); err != nil {
			return err
		}
		lastErr = inv.store.UpdateHost(host)
		if lastErr == nil {
			return nil
		}
		if !types.IsKind(lastErr, types.ErrKindConflict) {
			return lastErr
		}
	}
	return lastErr
}
