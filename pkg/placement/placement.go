package placement

import (
	"strconv"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/engine"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// defaultCapacity is the tenant capacity of a placement created without
// an explicit one.
const defaultCapacity = 20

// Manager owns the lifecycle of worker placements: scheduling them onto
// hosts, reserving ports, draining, and tenant capacity accounting.
type Manager struct {
	store storage.Store
	inv   *inventory.Inventory
	eng   *engine.Engine
	cfg   *config.Config

	// onChange fires when the set of traffic-eligible placements
	// changes, so the proxy can resync.
	onChange func()

	// mu serializes port reservation between concurrent creates.
	mu sync.Mutex
}

// NewManager creates a Manager. onChange may be nil.
func NewManager(store storage.Store, inv *inventory.Inventory, eng *engine.Engine, cfg *config.Config, onChange func()) *Manager {
	return &Manager{store: store, inv: inv, eng: eng, cfg: cfg, onChange: onChange}
}

// CreateRequest describes a new worker placement. Config carries the
// worker's database and cache coordinates for the installer. HostID,
// when set, pins the placement to that host instead of letting the
// scheduler pick one.
type CreateRequest struct {
	Name     string
	Capacity int
	HostID   int64
	Config   map[string]string
}

// Create schedules a new worker: picks the best host (or validates the
// requested one), reserves a port by persisting the placement in
// starting state, and submits the install task. The monitor promotes
// the placement to running once the worker answers health checks.
func (m *Manager) Create(req CreateRequest) (*types.ServicePlacement, *types.DeploymentTask, error) {
	if req.Name == "" {
		return nil, nil, types.NewFault(types.ErrKindConfigInvalid, "placement name is required")
	}
	if req.Capacity <= 0 {
		req.Capacity = defaultCapacity
	}

	host, err := m.pickHost(req.HostID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	port, err := engine.FreePort(m.store, host.ID, m.cfg.PlacementPortMin, m.cfg.PlacementPortMax)
	if err != nil {
		return nil, nil, err
	}

	p := &types.ServicePlacement{
		Name:     req.Name,
		HostID:   host.ID,
		Port:     port,
		Capacity: req.Capacity,
		Status:   types.PlacementStarting,
	}
	if err := m.store.CreatePlacement(p); err != nil {
		return nil, nil, err
	}

	workerCfg := make(map[string]string, len(req.Config)+2)
	for k, v := range req.Config {
		workerCfg[k] = v
	}
	workerCfg["name"] = req.Name
	workerCfg["port"] = strconv.Itoa(port)

	task, err := m.eng.Submit(engine.SubmitRequest{
		Kind:         types.TaskInstall,
		Service:      types.ServiceOdooWorker,
		TargetHostID: host.ID,
		Config:       workerCfg,
	})
	if err != nil {
		// Release the reservation; the install never started.
		if delErr := m.store.DeletePlacement(p.ID); delErr != nil {
			log.WithPlacement(p.Name).Error().Err(delErr).Msg("cannot release placement after failed submit")
		}
		return nil, nil, err
	}

	log.WithPlacement(p.Name).Info().
		Int64("host_id", host.ID).
		Int("port", port).
		Int64("task_id", task.ID).
		Msg("placement scheduled")
	return p, task, nil
}

// pickHost resolves where a new placement lands. An explicit host must
// be active and carry the worker role; without one the scheduler
// scores the fleet.
func (m *Manager) pickHost(hostID int64) (*types.Host, error) {
	if hostID == 0 {
		return m.inv.PickForPlacement(types.ServiceOdooWorker, inventory.Weights{})
	}
	host, err := m.inv.Get(hostID)
	if err != nil {
		return nil, err
	}
	if host.Status != types.HostStatusActive {
		return nil, types.NewFault(types.ErrKindConfigInvalid,
			"host %d is %s, not active", host.ID, host.Status)
	}
	if !host.HasRole(types.ServiceOdooWorker) {
		return nil, types.NewFault(types.ErrKindConfigInvalid,
			"host %d has no worker role", host.ID)
	}
	return host, nil
}

// Get returns one placement.
func (m *Manager) Get(id int64) (*types.ServicePlacement, error) {
	return m.store.GetPlacement(id)
}

// List returns all placements.
func (m *Manager) List() ([]*types.ServicePlacement, error) {
	return m.store.ListPlacements()
}

// Drain takes a running placement out of the traffic pool and stops it
// after the drain window, giving in-flight requests time to finish.
// The port stays reserved until the placement is stopped.
func (m *Manager) Drain(id int64) (*types.ServicePlacement, error) {
	p, err := m.store.GetPlacement(id)
	if err != nil {
		return nil, err
	}
	if p.Status != types.PlacementRunning {
		return nil, types.NewFault(types.ErrKindConflict,
			"placement %s is %s, only running placements drain", p.Name, p.Status)
	}
	p.Status = types.PlacementDraining
	if err := m.store.UpdatePlacement(p); err != nil {
		return nil, err
	}
	m.notify()

	window := m.cfg.Proxy.DrainWindow
	time.AfterFunc(window, func() {
		if err := m.finishDrain(id); err != nil {
			log.WithPlacement(p.Name).Error().Err(err).Msg("drain completion failed")
		}
	})
	log.WithPlacement(p.Name).Info().Dur("window", window).Msg("placement draining")
	return p, nil
}

func (m *Manager) finishDrain(id int64) error {
	p, err := m.store.GetPlacement(id)
	if err != nil {
		return err
	}
	if p.Status != types.PlacementDraining {
		return nil
	}
	p.Status = types.PlacementStopped
	if err := m.store.UpdatePlacement(p); err != nil {
		return err
	}
	log.WithPlacement(p.Name).Info().Msg("placement stopped after drain")
	return nil
}

// Stop halts a placement immediately, releasing its port.
func (m *Manager) Stop(id int64) (*types.ServicePlacement, error) {
	p, err := m.store.GetPlacement(id)
	if err != nil {
		return nil, err
	}
	if p.Status == types.PlacementStopped {
		return p, nil
	}
	p.Status = types.PlacementStopped
	if err := m.store.UpdatePlacement(p); err != nil {
		return nil, err
	}
	m.notify()
	return p, nil
}

// PickForTenant returns the running placement with the most free
// capacity, ties broken by lowest id. Full placements are never
// returned.
func (m *Manager) PickForTenant() (*types.ServicePlacement, error) {
	placements, err := m.store.ListPlacements()
	if err != nil {
		return nil, err
	}

	var best *types.ServicePlacement
	bestFree := 0
	for _, p := range placements {
		if p.Status != types.PlacementRunning {
			continue
		}
		free := p.Capacity - p.CurrentTenants
		if free <= 0 {
			continue
		}
		// Placements come back in id order, so ties keep the lowest id.
		if free > bestFree {
			best = p
			bestFree = free
		}
	}
	if best == nil {
		return nil, types.NewFault(types.ErrKindCapacityExceeded, "no placement has free tenant capacity")
	}
	return best, nil
}

// AssignTenant increments a placement's tenant count.
func (m *Manager) AssignTenant(id int64) (*types.ServicePlacement, error) {
	p, err := m.store.GetPlacement(id)
	if err != nil {
		return nil, err
	}
	if p.Status != types.PlacementRunning {
		return nil, types.NewFault(types.ErrKindConflict, "placement %s is not running", p.Name)
	}
	if p.CurrentTenants >= p.Capacity {
		return nil, types.NewFault(types.ErrKindCapacityExceeded,
			"placement %s is at capacity (%d)", p.Name, p.Capacity)
	}
	p.CurrentTenants++
	if err := m.store.UpdatePlacement(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReleaseTenant decrements a placement's tenant count.
func (m *Manager) ReleaseTenant(id int64) (*types.ServicePlacement, error) {
	p, err := m.store.GetPlacement(id)
	if err != nil {
		return nil, err
	}
	if p.CurrentTenants > 0 {
		p.CurrentTenants--
		if err := m.store.UpdatePlacement(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}
