package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/pkg/audit"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/creds"
	"github.com/flotillahq/flotilla/pkg/domain"
	"github.com/flotillahq/flotilla/pkg/engine"
	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/monitor"
	"github.com/flotillahq/flotilla/pkg/placement"
	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

const testToken = "test-token"

type fixture struct {
	server  *Server
	handler http.Handler
	store   storage.Store
	inv     *inventory.Inventory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	credStore, err := creds.New(make([]byte, 32))
	require.NoError(t, err)
	inv := inventory.New(store, credStore)

	cfg := config.Default()
	cfg.AuthToken = testToken

	eng := engine.New(store, inv, installer.NewRegistry(), store, nil, cfg, nil)
	placements := placement.NewManager(store, inv, eng, cfg, nil)
	domains := domain.NewManager(store, cfg.Resolver, nil)
	alerter := monitor.NewAlerter(store)
	auditor := audit.NewRecorder(store)
	prober := probe.New(store, time.Second, time.Second)

	server := New(cfg, inv, eng, placements, domains, alerter, auditor, prober, nil)
	return &fixture{server: server, handler: server.Router(), store: store, inv: inv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestAPIRejectsMissingOrBadToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrKindAuthFailed), body.Error.Kind)
}

func TestAddAndGetHost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/hosts", addHostBody{
		Name:     "app-01",
		Address:  "10.0.0.1",
		SSHUser:  "root",
		Password: "secret",
		Roles:    []types.ServiceKind{types.ServiceDocker},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var host types.Host
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &host))
	assert.NotZero(t, host.ID)
	assert.Empty(t, host.EncryptedPassword, "ciphertext must not leak")

	rec = f.do(t, http.MethodGet, "/api/v1/hosts/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/hosts/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddHostValidationError(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/hosts", addHostBody{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrKindConfigInvalid), body.Error.Kind)
	assert.NotEmpty(t, body.Error.Detail)
}

func TestSubmitAndCancelTask(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deployments", submitTaskBody{
		Kind:         types.TaskInstall,
		Service:      types.ServiceDocker,
		TargetHostID: 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var task types.DeploymentTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, types.TaskStatusPending, task.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/deployments/1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, types.TaskStatusCancelled, task.Status)

	// Cancelling again conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/deployments/1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deployments", submitTaskBody{Kind: "nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanEndpointRequiresCIDR(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/scan", submitTaskBody{Config: map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/scan", submitTaskBody{
		Config: map[string]string{"cidr": "192.168.1.0/24"},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDomainLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/domains", createDomainBody{
		Domain: "app.example.com",
		Target: "worker-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var d types.DomainMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, types.VerificationUnverified, d.Verification)

	rec = f.do(t, http.MethodGet, "/api/v1/domains", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/domains/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAlertAckAndResolve(t *testing.T) {
	f := newFixture(t)

	alerter := monitor.NewAlerter(f.store)
	alert, err := alerter.Raise(monitor.RaiseRequest{
		Kind: "host-unreachable", HostID: 1, Severity: types.SeverityCritical,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/alerts/1/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, types.AlertAcknowledged, got.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/1/resolve", resolveAlertBody{Note: "fixed"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, types.AlertResolved, got.Status)
	assert.Equal(t, "fixed", got.ResolutionNote)
}

func TestMutationsAreAudited(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/v1/hosts", addHostBody{
		Name: "app-01", Address: "10.0.0.1", SSHUser: "root", Password: "x",
	})

	rec := f.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []types.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "host.add", entries[0].Action)
	assert.Equal(t, "operator", entries[0].Actor)
}

func TestAuditEntryWrittenBeforeMutationCommits(t *testing.T) {
	f := newFixture(t)

	// A submit the engine rejects must still leave an audit trail.
	rec := f.do(t, http.MethodPost, "/api/v1/deployments", submitTaskBody{Kind: "nonsense"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []types.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "deployment.submit", entries[0].Action)
}

func TestAddHostAppliesDefaultSSHPort(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.SSH.DefaultPort = 2222

	rec := f.do(t, http.MethodPost, "/api/v1/hosts", addHostBody{
		Name: "app-01", Address: "10.0.0.1", SSHUser: "root", Password: "x",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var host types.Host
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &host))
	assert.Equal(t, 2222, host.SSHPort)

	// An explicit port is never overridden.
	rec = f.do(t, http.MethodPost, "/api/v1/hosts", addHostBody{
		Name: "app-02", Address: "10.0.0.2", SSHUser: "root", Password: "x", SSHPort: 2022,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &host))
	assert.Equal(t, 2022, host.SSHPort)
}

func TestCreatePlacementOnRequestedHost(t *testing.T) {
	f := newFixture(t)

	host, err := f.inv.AddHost(inventory.AddHostRequest{
		Name: "app-01", Address: "10.0.0.1", SSHUser: "root", Password: "x",
		Roles: []types.ServiceKind{types.ServiceOdooWorker},
	})
	require.NoError(t, err)
	require.NoError(t, f.inv.SetStatus(host.ID, types.HostStatusActive))

	rec := f.do(t, http.MethodPost, "/api/v1/placements", createPlacementBody{
		Name: "worker-1", HostID: host.ID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result struct {
		Placement types.ServicePlacement `json:"placement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, host.ID, result.Placement.HostID)
}

func TestSubmitServiceMigrationTask(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/deployments", submitTaskBody{
		Kind:         types.TaskMigrate,
		SourceHostID: 2,
		TargetHostID: 5,
		Services:     []types.ServiceKind{types.ServicePostgres},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var task types.DeploymentTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, []types.ServiceKind{types.ServicePostgres}, task.Services)
}

func TestHostMetricsWithoutCache(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/hosts/1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidPathID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/hosts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
