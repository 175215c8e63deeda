package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/creds"
	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	credStore, err := creds.New(make([]byte, 32))
	require.NoError(t, err)
	inv := inventory.New(store, credStore)

	cfg := config.Default()
	cfg.Engine.Workers = 2
	return New(store, inv, installer.NewRegistry(), store, nil, cfg, nil), store
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown kind", SubmitRequest{Kind: "reboot"}},
		{"install without host", SubmitRequest{Kind: types.TaskInstall, Service: types.ServiceDocker}},
		{"install unknown service", SubmitRequest{Kind: types.TaskInstall, Service: "mysql", TargetHostID: 1}},
		{"migrate without placement or services", SubmitRequest{Kind: types.TaskMigrate, TargetHostID: 1}},
		{"service migrate without source", SubmitRequest{Kind: types.TaskMigrate, TargetHostID: 1, Services: []types.ServiceKind{types.ServicePostgres}}},
		{"service migrate unknown service", SubmitRequest{Kind: types.TaskMigrate, SourceHostID: 2, TargetHostID: 1, Services: []types.ServiceKind{"mysql"}}},
		{"scan without cidr", SubmitRequest{Kind: types.TaskNetworkScan}},
		{"backup without host", SubmitRequest{Kind: types.TaskBackup}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(tt.req)
			require.Error(t, err)
		})
	}
}

func TestSubmitPersistsPendingTask(t *testing.T) {
	e, store := newTestEngine(t)

	task, err := e.Submit(SubmitRequest{
		Kind:         types.TaskInstall,
		Service:      types.ServiceDocker,
		TargetHostID: 1,
	})
	require.NoError(t, err)
	assert.NotZero(t, task.ID)

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, stored.Status)
}

func TestSubmitServiceMigration(t *testing.T) {
	e, store := newTestEngine(t)

	task, err := e.Submit(SubmitRequest{
		Kind:         types.TaskMigrate,
		SourceHostID: 2,
		TargetHostID: 5,
		Services:     []types.ServiceKind{types.ServicePostgres, types.ServiceRedis},
	})
	require.NoError(t, err)

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceKind{types.ServicePostgres, types.ServiceRedis}, stored.Services)
	assert.Equal(t, int64(2), stored.SourceHostID)
	assert.Equal(t, int64(5), stored.TargetHostID)
}

func TestRunExecutesHandlerToCompletion(t *testing.T) {
	e, store := newTestEngine(t)

	e.handlers["noop"] = func(_ context.Context, _ *types.DeploymentTask, sink *progressSink) error {
		sink.SetPhase("work")
		sink.Line("did the thing")
		sink.SetPercent(50)
		return nil
	}

	task, err := e.Submit(SubmitRequest{Kind: "noop"})
	require.NoError(t, err)

	e.run(context.Background(), task.ID)

	done, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "work", done.CurrentPhase)
	assert.Contains(t, done.Log, "did the thing")
	assert.False(t, done.StartedAt.IsZero())
	assert.False(t, done.CompletedAt.IsZero())
}

func TestRunRecordsHandlerFailure(t *testing.T) {
	e, store := newTestEngine(t)

	e.handlers["boom"] = func(context.Context, *types.DeploymentTask, *progressSink) error {
		return types.NewFault(types.ErrKindCommandFailed, "it broke")
	}

	task, err := e.Submit(SubmitRequest{Kind: "boom"})
	require.NoError(t, err)
	e.run(context.Background(), task.ID)

	done, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, done.Status)
	assert.Contains(t, done.Error, "it broke")
}

func TestRunCancellationMarksTaskCancelled(t *testing.T) {
	e, store := newTestEngine(t)

	started := make(chan struct{})
	e.handlers["slow"] = func(ctx context.Context, _ *types.DeploymentTask, _ *progressSink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	task, err := e.Submit(SubmitRequest{Kind: "slow"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.run(context.Background(), task.ID)
	}()

	<-started
	require.NoError(t, e.Cancel(task.ID))
	wg.Wait()

	done, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, done.Status)
}

func TestCancelPendingTask(t *testing.T) {
	e, store := newTestEngine(t)

	task, err := e.Submit(SubmitRequest{Kind: types.TaskInstall, Service: types.ServiceDocker, TargetHostID: 1})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(task.ID))

	cancelled, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)

	// Terminal tasks cannot be cancelled again.
	err = e.Cancel(task.ID)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))
}

func TestRecoverOrphansFailsRunningTasks(t *testing.T) {
	e, store := newTestEngine(t)

	stale := time.Now().UTC().Add(-2 * e.cfg.Engine.OrphanThreshold)
	running := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning, StartedAt: stale}
	require.NoError(t, store.CreateTask(running))
	pending := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusPending}
	require.NoError(t, store.CreateTask(pending))

	require.NoError(t, e.recoverOrphans())
	require.NoError(t, e.requeuePending())

	orphaned, err := store.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, orphaned.Status)
	assert.Contains(t, orphaned.Error, "orphaned")

	still, err := store.GetTask(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, still.Status)
	assert.Equal(t, pending.ID, <-e.queue)
}

func TestRecoverOrphansSparesYoungAndOwnedTasks(t *testing.T) {
	e, store := newTestEngine(t)

	young := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, store.CreateTask(young))

	stale := time.Now().UTC().Add(-2 * e.cfg.Engine.OrphanThreshold)
	owned := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning, StartedAt: stale}
	require.NoError(t, store.CreateTask(owned))
	e.mu.Lock()
	e.cancels[owned.ID] = func() {}
	e.mu.Unlock()

	require.NoError(t, e.recoverOrphans())

	got, err := store.GetTask(young.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)

	got, err = store.GetTask(owned.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
}

func TestProgressSinkCapsLog(t *testing.T) {
	_, store := newTestEngine(t)

	task := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning}
	require.NoError(t, store.CreateTask(task))

	sink := newProgressSink(store, task.ID, 64)
	sink.Line("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	sink.Line("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	sink.Line("this line goes over the cap")
	sink.Line("and this one is dropped entirely")
	sink.Flush()

	text, _, _ := sink.Snapshot()
	assert.Contains(t, text, "aaaa")
	assert.True(t, strings.HasSuffix(text, truncationMarker))
	assert.NotContains(t, text, "dropped entirely")
}

func TestProgressSinkPercentIsMonotonic(t *testing.T) {
	_, store := newTestEngine(t)

	task := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning}
	require.NoError(t, store.CreateTask(task))

	sink := newProgressSink(store, task.ID, 1024)
	sink.SetPercent(40)
	sink.SetPercent(20)
	_, _, percent := sink.Snapshot()
	assert.Equal(t, 40, percent)
}

func TestProgressSinkPhaseFlushesImmediately(t *testing.T) {
	_, store := newTestEngine(t)

	task := &types.DeploymentTask{Kind: types.TaskInstall, Status: types.TaskStatusRunning}
	require.NoError(t, store.CreateTask(task))

	sink := newProgressSink(store, task.ID, 1024)
	sink.SetPhase("connect")

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "connect", stored.CurrentPhase)
}

func TestKeyedMutexPairNeverDeadlocks(t *testing.T) {
	km := keyedMutex{locks: map[int64]*sync.Mutex{}}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			unlock := km.lockPair(1, 2)
			unlock()
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 100; i++ {
			unlock := km.lockPair(2, 1)
			unlock()
		}
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("lock pair deadlocked")
		}
	}
}

func TestFreePort(t *testing.T) {
	_, store := newTestEngine(t)

	require.NoError(t, store.CreatePlacement(&types.ServicePlacement{
		Name: "w1", HostID: 1, Port: 8069, Status: types.PlacementRunning,
	}))
	require.NoError(t, store.CreatePlacement(&types.ServicePlacement{
		Name: "w2", HostID: 1, Port: 8070, Status: types.PlacementStopped,
	}))

	// 8069 is taken, 8070 is released by the stopped placement.
	port, err := FreePort(store, 1, 8069, 8071)
	require.NoError(t, err)
	assert.Equal(t, 8070, port)

	port, err = FreePort(store, 1, 8069, 8069)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindCapacityExceeded, types.KindOf(err))
	assert.Zero(t, port)
}

func TestMigrationPreflightRejectsWeakTargets(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name string
		host *types.Host
	}{
		{"not active", &types.Host{ID: 2, Status: types.HostStatusMaintenance, HealthScore: 100, Roles: []types.ServiceKind{types.ServiceOdooWorker}}},
		{"no worker role", &types.Host{ID: 2, Status: types.HostStatusActive, HealthScore: 100}},
		{"low score", &types.Host{ID: 2, Status: types.HostStatusActive, HealthScore: 50, Roles: []types.ServiceKind{types.ServiceOdooWorker}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.migrationPreflight(tt.host)
			require.Error(t, err)
			assert.Equal(t, types.ErrKindVerifyFailed, types.KindOf(err))
		})
	}

	healthy := &types.Host{ID: 2, Status: types.HostStatusActive, HealthScore: 85, Roles: []types.ServiceKind{types.ServiceOdooWorker}}
	assert.NoError(t, e.migrationPreflight(healthy))
}

func TestServiceMigrationPreflight(t *testing.T) {
	e, store := newTestEngine(t)

	source := &types.Host{
		Name: "src", Address: "10.0.0.2", Status: types.HostStatusActive,
		CurrentServices: []types.ServiceKind{types.ServicePostgres},
	}
	require.NoError(t, store.CreateHost(source))

	tests := []struct {
		name     string
		target   *types.Host
		services []types.ServiceKind
		kind     types.ErrKind
	}{
		{
			"target not active",
			&types.Host{Name: "t1", Address: "10.0.0.3", Status: types.HostStatusMaintenance, HealthScore: 100, Roles: []types.ServiceKind{types.ServicePostgres}},
			[]types.ServiceKind{types.ServicePostgres},
			types.ErrKindVerifyFailed,
		},
		{
			"target below score",
			&types.Host{Name: "t2", Address: "10.0.0.4", Status: types.HostStatusActive, HealthScore: 40, Roles: []types.ServiceKind{types.ServicePostgres}},
			[]types.ServiceKind{types.ServicePostgres},
			types.ErrKindVerifyFailed,
		},
		{
			"target missing role",
			&types.Host{Name: "t3", Address: "10.0.0.5", Status: types.HostStatusActive, HealthScore: 100},
			[]types.ServiceKind{types.ServicePostgres},
			types.ErrKindVerifyFailed,
		},
		{
			"source not running service",
			&types.Host{Name: "t4", Address: "10.0.0.6", Status: types.HostStatusActive, HealthScore: 100, Roles: []types.ServiceKind{types.ServiceRedis}},
			[]types.ServiceKind{types.ServiceRedis},
			types.ErrKindConfigInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.CreateHost(tt.target))
			task := &types.DeploymentTask{
				Kind:         types.TaskMigrate,
				SourceHostID: source.ID,
				TargetHostID: tt.target.ID,
				Services:     tt.services,
				Status:       types.TaskStatusRunning,
			}
			require.NoError(t, store.CreateTask(task))
			sink := newProgressSink(store, task.ID, 1024)

			err := e.migrateServices(context.Background(), task, sink)
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
		})
	}
}

func TestServiceMigrationRejectsSameHost(t *testing.T) {
	e, store := newTestEngine(t)

	host := &types.Host{
		Name: "solo", Address: "10.0.0.9", Status: types.HostStatusActive, HealthScore: 100,
		Roles:           []types.ServiceKind{types.ServicePostgres},
		CurrentServices: []types.ServiceKind{types.ServicePostgres},
	}
	require.NoError(t, store.CreateHost(host))

	task := &types.DeploymentTask{
		Kind:         types.TaskMigrate,
		SourceHostID: host.ID,
		TargetHostID: host.ID,
		Services:     []types.ServiceKind{types.ServicePostgres},
		Status:       types.TaskStatusRunning,
	}
	require.NoError(t, store.CreateTask(task))
	sink := newProgressSink(store, task.ID, 1024)

	err := e.migrateServices(context.Background(), task, sink)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConfigInvalid, types.KindOf(err))
}

func TestDumpCommand(t *testing.T) {
	local := dumpCommand("tenants", nil)
	assert.Equal(t, "sudo -u postgres pg_dump 'tenants'", local)

	rem := dumpCommand("tenants", map[string]string{
		"db_host": "10.0.0.5", "db_user": "odoo", "db_password": "s3cret",
	})
	assert.Contains(t, rem, "PGPASSWORD='s3cret'")
	assert.Contains(t, rem, "-h '10.0.0.5'")
	assert.Contains(t, rem, "-p '5432'")
}
