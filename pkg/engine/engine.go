package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/discovery"
	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// queueDepth bounds accepted-but-not-started tasks.
const queueDepth = 256

// orphanSweepInterval is how often the engine looks for running tasks
// nobody owns.
const orphanSweepInterval = time.Minute

// handler runs one task kind to completion.
type handler func(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error

// Engine is the durable deployment engine: a worker pool draining a
// queue of persisted tasks. Tasks survive restarts in the store; the
// queue itself is rebuilt from pending rows at startup.
type Engine struct {
	store    storage.Store
	inv      *inventory.Inventory
	registry *installer.Registry
	keys     remote.KeyStore
	scanner  *discovery.Scanner
	cfg      *config.Config

	// onServicesChanged fires after a task changes what is running
	// where, so the proxy layer can resync.
	onServicesChanged func()

	handlers  map[types.TaskKind]handler
	queue     chan int64
	hostLocks keyedMutex

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Engine. onServicesChanged may be nil.
func New(store storage.Store, inv *inventory.Inventory, registry *installer.Registry, keys remote.KeyStore, scanner *discovery.Scanner, cfg *config.Config, onServicesChanged func()) *Engine {
	e := &Engine{
		store:             store,
		inv:               inv,
		registry:          registry,
		keys:              keys,
		scanner:           scanner,
		cfg:               cfg,
		onServicesChanged: onServicesChanged,
		queue:             make(chan int64, queueDepth),
		hostLocks:         keyedMutex{locks: make(map[int64]*sync.Mutex)},
		cancels:           make(map[int64]context.CancelFunc),
		stopCh:            make(chan struct{}),
	}
	e.handlers = map[types.TaskKind]handler{
		types.TaskInstall:     e.handleInstall,
		types.TaskFullSetup:   e.handleFullSetup,
		types.TaskBackup:      e.handleBackup,
		types.TaskMigrate:     e.handleMigrate,
		types.TaskNetworkScan: e.handleNetworkScan,
	}
	return e
}

// Start recovers orphans, re-queues pending tasks, and launches the
// worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverOrphans(); err != nil {
		return err
	}
	if err := e.requeuePending(); err != nil {
		return err
	}
	for i := 0; i < e.cfg.Engine.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Add(1)
	go e.orphanSweeper(ctx)
	log.WithComponent("engine").Info().Int("workers", e.cfg.Engine.Workers).Msg("deployment engine started")
	return nil
}

// Stop drains the workers. In-flight tasks run to their next checkpoint
// and then observe the cancelled context.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Kind         types.TaskKind
	Service      types.ServiceKind
	SourceHostID int64
	TargetHostID int64
	Services     []types.ServiceKind
	Config       map[string]string
}

// Submit validates, persists, and enqueues a task.
func (e *Engine) Submit(req SubmitRequest) (*types.DeploymentTask, error) {
	if _, ok := e.handlers[req.Kind]; !ok {
		return nil, types.NewFault(types.ErrKindConfigInvalid, "unknown task kind %q", req.Kind)
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}

	task := &types.DeploymentTask{
		Kind:         req.Kind,
		Service:      req.Service,
		SourceHostID: req.SourceHostID,
		TargetHostID: req.TargetHostID,
		Services:     req.Services,
		Config:       req.Config,
		Status:       types.TaskStatusPending,
	}
	if err := e.store.CreateTask(task); err != nil {
		return nil, err
	}

	select {
	case e.queue <- task.ID:
	default:
		task.Status = types.TaskStatusFailed
		task.Error = "task queue full"
		_ = e.store.UpdateTask(task)
		return nil, types.NewFault(types.ErrKindCapacityExceeded, "task queue is full")
	}
	log.WithTaskID(task.ID).Info().Str("kind", string(req.Kind)).Msg("task submitted")
	return task, nil
}

func (e *Engine) validate(req SubmitRequest) error {
	switch req.Kind {
	case types.TaskInstall:
		if req.TargetHostID == 0 {
			return types.NewFault(types.ErrKindConfigInvalid, "install needs a target host")
		}
		if _, err := e.registry.Get(req.Service); err != nil {
			return err
		}
	case types.TaskFullSetup, types.TaskBackup:
		if req.TargetHostID == 0 {
			return types.NewFault(types.ErrKindConfigInvalid, "%s needs a target host", req.Kind)
		}
	case types.TaskMigrate:
		if req.TargetHostID == 0 {
			return types.NewFault(types.ErrKindConfigInvalid, "migrate needs a target host")
		}
		switch {
		case req.Config["placement"] != "":
			// Placement migrations resolve the source from the
			// placement record.
		case len(req.Services) > 0:
			if req.SourceHostID == 0 {
				return types.NewFault(types.ErrKindConfigInvalid, "service migration needs a source host")
			}
			for _, kind := range req.Services {
				if _, err := e.registry.Get(kind); err != nil {
					return err
				}
			}
		default:
			return types.NewFault(types.ErrKindConfigInvalid, "migrate needs a placement name or a list of services")
		}
	case types.TaskNetworkScan:
		if req.Config["cidr"] == "" {
			return types.NewFault(types.ErrKindConfigInvalid, "network scan needs a cidr")
		}
	}
	return nil
}

// Cancel requests cancellation. Pending tasks terminate immediately;
// running tasks stop at their next checkpoint.
func (e *Engine) Cancel(id int64) error {
	task, err := e.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return types.NewFault(types.ErrKindConflict, "task %d already finished", id)
	}

	e.mu.Lock()
	cancel, running := e.cancels[id]
	e.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	task.Status = types.TaskStatusCancelled
	task.CompletedAt = time.Now().UTC()
	return e.store.UpdateTask(task)
}

// recoverOrphans fails running tasks that no worker in this process
// owns and whose start predates the orphan threshold. Their remote side
// effects may or may not have happened, so they are never blindly
// re-run; younger rows are left alone until a later sweep ages them
// out.
func (e *Engine) recoverOrphans() error {
	running, err := e.store.ListTasksByStatus(types.TaskStatusRunning)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-e.cfg.Engine.OrphanThreshold)
	for _, task := range running {
		e.mu.Lock()
		_, owned := e.cancels[task.ID]
		e.mu.Unlock()
		if owned || task.StartedAt.After(cutoff) {
			continue
		}
		task.Status = types.TaskStatusFailed
		task.Error = "orphaned by control-plane restart"
		task.CompletedAt = time.Now().UTC()
		if err := e.store.UpdateTask(task); err != nil {
			return err
		}
		log.WithTaskID(task.ID).Warn().
			Time("started_at", task.StartedAt).
			Msg("orphaned task marked failed")
	}
	return nil
}

// orphanSweeper re-runs orphan recovery periodically so running rows
// that were too young at startup still age out.
func (e *Engine) orphanSweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.recoverOrphans(); err != nil {
				log.WithComponent("engine").Error().Err(err).Msg("orphan sweep failed")
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) requeuePending() error {
	pending, err := e.store.ListTasksByStatus(types.TaskStatusPending)
	if err != nil {
		return err
	}
	for _, task := range pending {
		select {
		case e.queue <- task.ID:
		default:
			return types.NewFault(types.ErrKindCapacityExceeded,
				"%d pending tasks exceed the queue depth", len(pending))
		}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case id := <-e.queue:
			e.run(ctx, id)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) run(parent context.Context, id int64) {
	task, err := e.store.GetTask(id)
	if err != nil {
		log.WithTaskID(id).Error().Err(err).Msg("cannot load queued task")
		return
	}
	if task.Status != types.TaskStatusPending {
		return
	}

	task.Status = types.TaskStatusRunning
	task.StartedAt = time.Now().UTC()
	if err := e.store.UpdateTask(task); err != nil {
		log.WithTaskID(id).Error().Err(err).Msg("cannot mark task running")
		return
	}

	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}()

	sink := newProgressSink(e.store, id, e.cfg.Engine.LogCapBytes)
	start := time.Now()
	handlerErr := e.handlers[task.Kind](ctx, task, sink)
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	e.finish(id, sink, handlerErr)
}

func (e *Engine) finish(id int64, sink *progressSink, handlerErr error) {
	task, err := e.store.GetTask(id)
	if err != nil {
		log.WithTaskID(id).Error().Err(err).Msg("cannot load task to finish it")
		return
	}
	if task.Status.Terminal() {
		return
	}

	logText, phase, percent := sink.Snapshot()
	task.Log = logText
	task.CurrentPhase = phase
	task.Progress = percent
	task.CompletedAt = time.Now().UTC()

	switch {
	case handlerErr == nil:
		task.Status = types.TaskStatusCompleted
		task.Progress = 100
	case isCancellation(handlerErr):
		task.Status = types.TaskStatusCancelled
		task.Error = handlerErr.Error()
	default:
		task.Status = types.TaskStatusFailed
		task.Error = handlerErr.Error()
	}

	if err := e.store.UpdateTask(task); err != nil {
		log.WithTaskID(id).Error().Err(err).Msg("cannot finalize task")
		return
	}
	log.WithTaskID(id).Info().
		Str("status", string(task.Status)).
		Str("kind", string(task.Kind)).
		Msg("task finished")
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Task returns one task.
func (e *Engine) Task(id int64) (*types.DeploymentTask, error) {
	return e.store.GetTask(id)
}

// Tasks lists all tasks.
func (e *Engine) Tasks() ([]*types.DeploymentTask, error) {
	return e.store.ListTasks()
}

// keyedMutex serializes work per host so two tasks never mutate the
// same machine concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// lockPair takes both host locks in ascending id order to avoid
// deadlock between concurrent migrations.
func (k *keyedMutex) lockPair(a, b int64) func() {
	if a == b {
		return k.lock(a)
	}
	if a > b {
		a, b = b, a
	}
	ua := k.lock(a)
	ub := k.lock(b)
	return func() {
		ub()
		ua()
	}
}

// FreePort returns the lowest port in [min, max] not reserved by an
// active placement on the host.
func FreePort(store storage.Store, hostID int64, min, max int) (int, error) {
	placements, err := store.ListPlacementsByHost(hostID)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, p := range placements {
		if p.Active() {
			used[p.Port] = true
		}
	}
	for port := min; port <= max; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, types.NewFault(types.ErrKindCapacityExceeded,
		"no free port on host %d in range %d-%d", hostID, min, max)
}

func (e *Engine) notifyServices() {
	if e.onServicesChanged != nil {
		e.onServicesChanged()
	}
}

// dial opens an SSH client to the host.
func (e *Engine) dial(ctx context.Context, host *types.Host) (*remote.Client, error) {
	target, err := e.inv.Target(host)
	if err != nil {
		return nil, err
	}
	return remote.Dial(ctx, target, e.keys, e.cfg.SSH.ConnectTimeout)
}
