package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/pkg/cache"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/creds"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// fakeChecker returns scripted reports and samples per host.
type fakeChecker struct {
	reports map[int64]*probe.LiteReport
	samples map[int64]*types.MetricSample
}

func (f *fakeChecker) CheckHost(_ context.Context, h *types.Host) *probe.LiteReport {
	if r, ok := f.reports[h.ID]; ok {
		return r
	}
	return &probe.LiteReport{Reachable: true, Services: map[types.ServiceKind]bool{}}
}

func (f *fakeChecker) SampleHost(_ context.Context, h *types.Host) (*types.MetricSample, error) {
	if s, ok := f.samples[h.ID]; ok {
		return s, nil
	}
	return &types.MetricSample{HostID: h.ID}, nil
}

type fixture struct {
	store   storage.Store
	inv     *inventory.Inventory
	alerter *Alerter
	cache   *cache.Cache
	checker *fakeChecker
	monitor *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, 32)
	credStore, err := creds.New(key)
	require.NoError(t, err)
	inv := inventory.New(store, credStore)

	mr := miniredis.RunT(t)
	metricCache := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	alerter := NewAlerter(store)
	checker := &fakeChecker{
		reports: map[int64]*probe.LiteReport{},
		samples: map[int64]*types.MetricSample{},
	}
	cfg := config.MonitorConfig{
		HealthInterval:     time.Minute,
		MetricsInterval:    time.Minute,
		AlertSweepInterval: time.Minute,
		ProbeTimeout:       time.Second,
		AutoResolveMinAge:  10 * time.Minute,
		CPU:                config.ThresholdBand{Warning: 90, Critical: 95},
		Memory:             config.ThresholdBand{Warning: 90, Critical: 95},
		Disk:               config.ThresholdBand{Warning: 85, Critical: 95},
	}

	return &fixture{
		store:   store,
		inv:     inv,
		alerter: alerter,
		cache:   metricCache,
		checker: checker,
		monitor: New(store, inv, alerter, metricCache, checker, cfg),
	}
}

func (f *fixture) addActiveHost(t *testing.T, name string, roles ...types.ServiceKind) *types.Host {
	t.Helper()
	host, err := f.inv.AddHost(inventory.AddHostRequest{
		Name: name, Address: "10.0.0.1", SSHUser: "root", Password: "x", Roles: roles,
	})
	require.NoError(t, err)
	require.NoError(t, f.inv.SetStatus(host.ID, types.HostStatusActive))
	refreshed, err := f.inv.Get(host.ID)
	require.NoError(t, err)
	return refreshed
}

func TestRaiseDeduplicatesActiveAlerts(t *testing.T) {
	f := newFixture(t)

	first, err := f.alerter.Raise(RaiseRequest{
		Kind: "service-down", Severity: types.SeverityWarning, HostID: 1,
		Service: types.ServiceNginx, AutoResolve: true,
	})
	require.NoError(t, err)

	second, err := f.alerter.Raise(RaiseRequest{
		Kind: "service-down", Severity: types.SeverityCritical, HostID: 1,
		Service: types.ServiceNginx, AutoResolve: true,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.SeverityCritical, second.Severity)
	assert.Equal(t, first.FirstOccurrence, second.FirstOccurrence)
	assert.False(t, second.LastOccurrence.Before(first.LastOccurrence))

	// Severity never downgrades on a later, milder occurrence.
	third, err := f.alerter.Raise(RaiseRequest{
		Kind: "service-down", Severity: types.SeverityInfo, HostID: 1,
		Service: types.ServiceNginx, AutoResolve: true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SeverityCritical, third.Severity)

	alerts, err := f.store.ListAlerts()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestRaiseDifferentTuplesStaySeparate(t *testing.T) {
	f := newFixture(t)

	_, err := f.alerter.Raise(RaiseRequest{Kind: "service-down", HostID: 1, Service: types.ServiceNginx, Severity: types.SeverityWarning})
	require.NoError(t, err)
	_, err = f.alerter.Raise(RaiseRequest{Kind: "service-down", HostID: 2, Service: types.ServiceNginx, Severity: types.SeverityWarning})
	require.NoError(t, err)

	alerts, err := f.store.ListAlerts()
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	f := newFixture(t)

	alert, err := f.alerter.Raise(RaiseRequest{Kind: "host-unreachable", HostID: 1, Severity: types.SeverityCritical})
	require.NoError(t, err)

	acked, err := f.alerter.Acknowledge(alert.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.Status)
	assert.Equal(t, "ops@example.com", acked.AcknowledgedBy)

	resolved, err := f.alerter.Resolve(alert.ID, "host replaced")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, resolved.Status)

	// Acknowledging a resolved alert is a conflict.
	_, err = f.alerter.Acknowledge(alert.ID, "ops@example.com")
	assert.Equal(t, types.ErrKindConflict, types.KindOf(err))

	// A fresh occurrence after resolution opens a new alert.
	again, err := f.alerter.Raise(RaiseRequest{Kind: "host-unreachable", HostID: 1, Severity: types.SeverityCritical})
	require.NoError(t, err)
	assert.NotEqual(t, alert.ID, again.ID)
}

func TestAutoResolveRespectsMinAge(t *testing.T) {
	f := newFixture(t)

	alert, err := f.alerter.Raise(RaiseRequest{
		Kind: "resource-cpu_percent", HostID: 1, Severity: types.SeverityWarning,
		Metric: "cpu_percent", Threshold: 90, AutoResolve: true,
	})
	require.NoError(t, err)

	resolved, err := f.alerter.AutoResolve(alert, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, resolved, "young alerts stay open")

	alert.FirstOccurrence = time.Now().Add(-time.Hour)
	require.NoError(t, f.store.UpdateAlert(alert))

	resolved, err = f.alerter.AutoResolve(alert, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, "condition cleared", alert.ResolutionNote)
}

func TestScoreHost(t *testing.T) {
	host := &types.Host{Roles: []types.ServiceKind{types.ServiceDocker, types.ServiceNginx}}
	cfg := config.MonitorConfig{
		CPU:    config.ThresholdBand{Warning: 90, Critical: 95},
		Memory: config.ThresholdBand{Warning: 90, Critical: 95},
		Disk:   config.ThresholdBand{Warning: 85, Critical: 95},
	}

	tests := []struct {
		name   string
		report *probe.LiteReport
		sample *types.MetricSample
		want   int
	}{
		{
			"all healthy",
			&probe.LiteReport{Reachable: true, Services: map[types.ServiceKind]bool{
				types.ServiceDocker: true, types.ServiceNginx: true,
			}},
			nil,
			100,
		},
		{
			"one service down",
			&probe.LiteReport{Reachable: true, Services: map[types.ServiceKind]bool{
				types.ServiceDocker: true, types.ServiceNginx: false,
			}},
			nil,
			80,
		},
		{
			"hot resources",
			&probe.LiteReport{Reachable: true, Services: map[types.ServiceKind]bool{
				types.ServiceDocker: true, types.ServiceNginx: true,
			}},
			&types.MetricSample{CPUPercent: 95, MemPercent: 92, DiskPercent: 90},
			65,
		},
		{
			"floor at zero",
			&probe.LiteReport{Reachable: true, Services: map[types.ServiceKind]bool{
				types.ServiceDocker: false, types.ServiceNginx: false,
			}},
			&types.MetricSample{CPUPercent: 99, MemPercent: 99, DiskPercent: 99},
			25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scoreHost(host, tt.report, tt.sample, cfg))
		})
	}
}

func TestHealthTickRaisesServiceDownAlert(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker, types.ServiceNginx)

	f.checker.reports[host.ID] = &probe.LiteReport{
		Reachable: true,
		Services: map[types.ServiceKind]bool{
			types.ServiceDocker: true,
			types.ServiceNginx:  false,
		},
	}

	f.monitor.healthTick(context.Background())

	alert, err := f.store.FindActiveAlert("service-down", host.ID, "", types.ServiceNginx)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.True(t, alert.AutoResolve)

	refreshed, err := f.inv.Get(host.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, refreshed.HealthScore)
}

func TestHealthTickUnreachableEscalatesToMaintenance(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker)

	f.checker.reports[host.ID] = &probe.LiteReport{Reachable: false, Err: "dial timeout"}

	for i := 0; i < 3; i++ {
		f.monitor.healthTick(context.Background())
	}

	refreshed, err := f.inv.Get(host.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusMaintenance, refreshed.Status)

	alert, err := f.store.FindActiveAlert("host-unreachable", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, types.SeverityCritical, alert.Severity)
}

func TestPlacementFailsAfterThreeMisses(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker)

	require.NoError(t, f.store.CreatePlacement(&types.ServicePlacement{
		Name: "worker-1", HostID: host.ID, Port: 8069, Status: types.PlacementRunning,
	}))

	f.checker.reports[host.ID] = &probe.LiteReport{
		Reachable: true,
		Services:  map[types.ServiceKind]bool{types.ServiceDocker: false},
	}

	for i := 0; i < 3; i++ {
		f.monitor.healthTick(context.Background())
	}

	p, err := f.store.GetPlacementByName("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.PlacementFailed, p.Status)

	alert, err := f.store.FindActiveAlert("placement-unhealthy", host.ID, "worker-1", types.ServiceOdooWorker)
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestMetricsTickCachesAndAggregates(t *testing.T) {
	f := newFixture(t)
	h1 := f.addActiveHost(t, "app-01", types.ServiceDocker)
	h2 := f.addActiveHost(t, "app-02", types.ServiceDocker)

	f.checker.samples[h1.ID] = &types.MetricSample{HostID: h1.ID, CPUPercent: 40, MemPercent: 50, DiskPercent: 60}
	f.checker.samples[h2.ID] = &types.MetricSample{HostID: h2.ID, CPUPercent: 60, MemPercent: 70, DiskPercent: 80}

	ctx := context.Background()
	f.monitor.metricsTick(ctx)

	sample, err := f.cache.GetSample(ctx, h1.ID)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 40.0, sample.CPUPercent)

	agg, err := f.cache.GetAggregate(ctx)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 2, agg.Hosts)
	assert.InDelta(t, 50.0, agg.AvgCPUPercent, 0.01)
	assert.InDelta(t, 70.0, agg.AvgDiskPercent, 0.01)
}

func TestMetricsTickRaisesThresholdAlerts(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker)

	f.checker.samples[host.ID] = &types.MetricSample{HostID: host.ID, CPUPercent: 96, DiskPercent: 86}

	f.monitor.metricsTick(context.Background())

	cpuAlert, err := f.store.FindActiveAlert("resource-cpu_percent", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, cpuAlert)
	assert.Equal(t, types.SeverityCritical, cpuAlert.Severity)

	diskAlert, err := f.store.FindActiveAlert("resource-disk_percent", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, diskAlert)
	assert.Equal(t, types.SeverityWarning, diskAlert.Severity)
}

func TestThresholdBandsAreConfigurable(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker)

	f.monitor.cfg.CPU = config.ThresholdBand{Warning: 80, Critical: 95}
	f.checker.samples[host.ID] = &types.MetricSample{HostID: host.ID, CPUPercent: 85}

	f.monitor.metricsTick(context.Background())

	alert, err := f.store.FindActiveAlert("resource-cpu_percent", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, types.SeverityWarning, alert.Severity)
	assert.Equal(t, 80.0, alert.Threshold)

	// The same reading crosses the critical line once the band tightens.
	f.monitor.cfg.CPU = config.ThresholdBand{Warning: 70, Critical: 85}
	f.monitor.metricsTick(context.Background())

	escalated, err := f.store.FindActiveAlert("resource-cpu_percent", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, escalated)
	assert.Equal(t, types.SeverityCritical, escalated.Severity)
}

func TestAlertSweepAutoResolvesClearedCondition(t *testing.T) {
	f := newFixture(t)
	host := f.addActiveHost(t, "app-01", types.ServiceDocker)

	ctx := context.Background()
	f.checker.samples[host.ID] = &types.MetricSample{HostID: host.ID, CPUPercent: 96}
	f.monitor.metricsTick(ctx)

	alert, err := f.store.FindActiveAlert("resource-cpu_percent", host.ID, "", "")
	require.NoError(t, err)
	require.NotNil(t, alert)

	// Backdate the alert past the minimum age, then clear the condition.
	alert.FirstOccurrence = time.Now().Add(-time.Hour)
	require.NoError(t, f.store.UpdateAlert(alert))
	f.checker.samples[host.ID] = &types.MetricSample{HostID: host.ID, CPUPercent: 20}
	f.monitor.metricsTick(ctx)

	f.monitor.alertSweep(ctx)

	refreshed, err := f.store.GetAlert(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, refreshed.Status)
	assert.Equal(t, "condition cleared", refreshed.ResolutionNote)
}
