package storage

import (
	"testing"

	"github.com/flotillahq/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHostCreateAssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)

	h1 := &types.Host{Name: "web-01", Address: "10.0.0.1", Status: types.HostStatusPending}
	h2 := &types.Host{Name: "web-02", Address: "10.0.0.2", Status: types.HostStatusPending}

	require.NoError(t, store.CreateHost(h1))
	require.NoError(t, store.CreateHost(h2))

	assert.Equal(t, int64(1), h1.ID)
	assert.Equal(t, int64(2), h2.ID)
	assert.Equal(t, int64(1), h1.Version)
}

func TestHostNameUniqueness(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateHost(&types.Host{Name: "web-01", Address: "10.0.0.1"}))

	err := store.CreateHost(&types.Host{Name: "web-01", Address: "10.0.0.2"})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))
}

func TestHostUpdateVersionConflict(t *testing.T) {
	store := newTestStore(t)

	host := &types.Host{Name: "web-01", Address: "10.0.0.1"}
	require.NoError(t, store.CreateHost(host))

	// First writer wins.
	fresh, err := store.GetHost(host.ID)
	require.NoError(t, err)
	fresh.HealthScore = 90
	require.NoError(t, store.UpdateHost(fresh))

	// Second writer holds the old version and must fail.
	host.HealthScore = 50
	err = store.UpdateHost(host)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))

	stored, err := store.GetHost(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, stored.HealthScore)
	assert.Equal(t, int64(2), stored.Version)
}

func TestTaskTerminalRowsAreImmutable(t *testing.T) {
	store := newTestStore(t)

	task := &types.DeploymentTask{Kind: types.TaskInstall, Service: types.ServiceDocker}
	require.NoError(t, store.CreateTask(task))
	assert.Equal(t, types.TaskStatusPending, task.Status)

	task.Status = types.TaskStatusCompleted
	task.Progress = 100
	require.NoError(t, store.UpdateTask(task))

	task.Progress = 50
	err := store.UpdateTask(task)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))
}

func TestPlacementPortUniqueness(t *testing.T) {
	store := newTestStore(t)

	p1 := &types.ServicePlacement{Name: "w-01", HostID: 1, Port: 8069, Status: types.PlacementRunning}
	require.NoError(t, store.CreatePlacement(p1))

	// Same (host, port) while w-01 is not stopped.
	err := store.CreatePlacement(&types.ServicePlacement{
		Name: "w-02", HostID: 1, Port: 8069, Status: types.PlacementStarting,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))

	// Same port on a different host is fine.
	require.NoError(t, store.CreatePlacement(&types.ServicePlacement{
		Name: "w-03", HostID: 2, Port: 8069, Status: types.PlacementStarting,
	}))

	// A stopped placement releases its port.
	p1.Status = types.PlacementStopped
	require.NoError(t, store.UpdatePlacement(p1))
	require.NoError(t, store.CreatePlacement(&types.ServicePlacement{
		Name: "w-04", HostID: 1, Port: 8069, Status: types.PlacementStarting,
	}))
}

func TestPlacementNameUniqueness(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePlacement(&types.ServicePlacement{Name: "w-01", HostID: 1, Port: 8069}))
	err := store.CreatePlacement(&types.ServicePlacement{Name: "w-01", HostID: 2, Port: 8070})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))
}

func TestDomainUniqueness(t *testing.T) {
	store := newTestStore(t)

	d := &types.DomainMapping{Domain: "example.com", Target: "w-01"}
	require.NoError(t, store.CreateDomain(d))
	assert.Equal(t, types.VerificationUnverified, d.Verification)

	err := store.CreateDomain(&types.DomainMapping{Domain: "example.com", Target: "w-02"})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))
}

func TestFindActiveAlertMatchesTuple(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateAlert(&types.Alert{
		Kind: "high_cpu_usage", HostID: 7, Metric: "cpu_usage",
		Status: types.AlertActive, Severity: types.SeverityCritical,
	}))
	require.NoError(t, store.CreateAlert(&types.Alert{
		Kind: "high_cpu_usage", HostID: 8,
		Status: types.AlertActive, Severity: types.SeverityWarning,
	}))
	require.NoError(t, store.CreateAlert(&types.Alert{
		Kind: "high_cpu_usage", HostID: 7,
		Status: types.AlertResolved, Severity: types.SeverityWarning,
	}))

	found, err := store.FindActiveAlert("high_cpu_usage", 7, "", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(1), found.ID)

	missing, err := store.FindActiveAlert("high_disk_usage", 7, "", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAuditAppendAndListNewestFirst(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendAudit(&types.AuditEntry{Actor: "op", Action: "host.add"}))
	require.NoError(t, store.AppendAudit(&types.AuditEntry{Actor: "op", Action: "deployment.create"}))

	entries, err := store.ListAudit(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "deployment.create", entries[0].Action)
	assert.Equal(t, "host.add", entries[1].Action)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestHostKeyPinning(t *testing.T) {
	store := newTestStore(t)

	key, err := store.GetHostKey("10.0.0.1:22")
	require.NoError(t, err)
	assert.Nil(t, key)

	require.NoError(t, store.PutHostKey("10.0.0.1:22", []byte("ssh-ed25519 AAAA")))
	key, err = store.GetHostKey("10.0.0.1:22")
	require.NoError(t, err)
	assert.Equal(t, []byte("ssh-ed25519 AAAA"), key)
}
