package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flotillahq/flotilla/pkg/cache"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/probe"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Health score penalties and the placement failure budget. The resource
// thresholds themselves come from MonitorConfig.
const (
	servicePenalty   = 20
	cpuPenalty       = 10
	memPenalty       = 10
	diskPenalty      = 15
	placementMaxFail = 3
)

// Monitor runs the periodic health, metrics, and alert-sweep loops.
type Monitor struct {
	store   storage.Store
	inv     *inventory.Inventory
	alerter *Alerter
	cache   *cache.Cache
	checker Checker
	cfg     config.MonitorConfig

	mu          sync.Mutex
	lastReports map[int64]*probe.LiteReport

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Monitor. cache may be nil when no cache is configured;
// samples then only feed the Prometheus gauges.
func New(store storage.Store, inv *inventory.Inventory, alerter *Alerter, metricCache *cache.Cache, checker Checker, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		store:       store,
		inv:         inv,
		alerter:     alerter,
		cache:       metricCache,
		checker:     checker,
		cfg:         cfg,
		lastReports: make(map[int64]*probe.LiteReport),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the three loops. Stop terminates them.
func (m *Monitor) Start(ctx context.Context) {
	m.loop(ctx, m.cfg.HealthInterval, m.healthTick)
	m.loop(ctx, m.cfg.MetricsInterval, m.metricsTick)
	m.loop(ctx, m.cfg.AlertSweepInterval, m.alertSweep)
	log.WithComponent("monitor").Info().
		Dur("health_interval", m.cfg.HealthInterval).
		Dur("metrics_interval", m.cfg.MetricsInterval).
		Msg("monitor started")
}

// Stop waits for in-flight ticks to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick(ctx)
		for {
			select {
			case <-ticker.C:
				tick(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// healthTick probes every active host and raises alerts for hosts that
// go unreachable or services that stop answering.
func (m *Monitor) healthTick(ctx context.Context) {
	hosts, err := m.inv.List()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("health tick cannot list hosts")
		return
	}

	for _, host := range hosts {
		if host.Status != types.HostStatusActive {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		report := m.checker.CheckHost(checkCtx, host)
		cancel()
		m.mu.Lock()
		m.lastReports[host.ID] = report
		m.mu.Unlock()

		now := time.Now().UTC()
		if !report.Reachable {
			outcome, err := m.inv.RecordProbe(host.ID, false, 0, now)
			if err != nil {
				log.WithHostID(host.ID).Error().Err(err).Msg("failed to record probe result")
				continue
			}
			if outcome.ToMaintenance {
				m.raise(RaiseRequest{
					Kind:     "host-unreachable",
					Severity: types.SeverityCritical,
					HostID:   host.ID,
				})
			}
			continue
		}

		sample := m.cachedSample(ctx, host.ID)
		score := scoreHost(host, report, sample, m.cfg)
		if _, err := m.inv.RecordProbe(host.ID, true, score, now); err != nil {
			log.WithHostID(host.ID).Error().Err(err).Msg("failed to record probe result")
			continue
		}
		metrics.HostHealthScore.WithLabelValues(fmt.Sprint(host.ID)).Set(float64(score))

		for kind, ok := range report.Services {
			if ok {
				continue
			}
			m.raise(RaiseRequest{
				Kind:        "service-down",
				Severity:    types.SeverityWarning,
				HostID:      host.ID,
				Service:     kind,
				AutoResolve: true,
			})
		}
	}

	m.checkPlacements(ctx)
}

func (m *Monitor) cachedSample(ctx context.Context, hostID int64) *types.MetricSample {
	if m.cache == nil {
		return nil
	}
	sample, err := m.cache.GetSample(ctx, hostID)
	if err != nil {
		return nil
	}
	return sample
}

// scoreHost computes the 0 to 100 health score from the service report
// and the latest resource sample.
func scoreHost(host *types.Host, report *probe.LiteReport, sample *types.MetricSample, cfg config.MonitorConfig) int {
	score := 100
	for _, kind := range host.Roles {
		ok, checked := report.Services[kind]
		if checked && !ok {
			score -= servicePenalty
		}
	}
	if sample != nil {
		if sample.CPUPercent >= cfg.CPU.Warning {
			score -= cpuPenalty
		}
		if sample.MemPercent >= cfg.Memory.Warning {
			score -= memPenalty
		}
		if sample.DiskPercent >= cfg.Disk.Warning {
			score -= diskPenalty
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// checkPlacements marks placements failed after repeated health check
// misses. Worker placements are checked through the host's service
// report for docker rather than per-container HTTP here; the engine's
// verify step owns the deep check.
func (m *Monitor) checkPlacements(ctx context.Context) {
	placements, err := m.store.ListPlacements()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("cannot list placements")
		return
	}
	for _, p := range placements {
		if p.Status != types.PlacementRunning && p.Status != types.PlacementStarting {
			continue
		}
		m.mu.Lock()
		report := m.lastReports[p.HostID]
		m.mu.Unlock()
		if report == nil {
			continue
		}

		healthy := report.Reachable && report.Services[types.ServiceDocker]
		if healthy {
			if p.HealthFails != 0 || p.Status == types.PlacementStarting {
				p.HealthFails = 0
				p.Status = types.PlacementRunning
				p.LastSeenAt = time.Now().UTC()
				if err := m.store.UpdatePlacement(p); err != nil {
					log.WithPlacement(p.Name).Error().Err(err).Msg("cannot update placement")
				}
			}
			continue
		}

		p.HealthFails++
		if p.HealthFails >= placementMaxFail {
			p.Status = types.PlacementFailed
			m.raise(RaiseRequest{
				Kind:      "placement-unhealthy",
				Severity:  types.SeverityCritical,
				HostID:    p.HostID,
				Placement: p.Name,
				Service:   types.ServiceOdooWorker,
			})
		}
		if err := m.store.UpdatePlacement(p); err != nil {
			log.WithPlacement(p.Name).Error().Err(err).Msg("cannot update placement")
		}
	}
}

// metricsTick samples resource usage, feeds the cache and gauges, and
// refreshes the fleet-level counters.
func (m *Monitor) metricsTick(ctx context.Context) {
	hosts, err := m.inv.List()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("metrics tick cannot list hosts")
		return
	}

	statusCounts := map[types.HostStatus]int{}
	agg := &cache.SystemAggregate{ComputedAt: time.Now().UTC()}
	for _, host := range hosts {
		statusCounts[host.Status]++
		if host.Status != types.HostStatusActive {
			continue
		}
		sampleCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		sample, err := m.checker.SampleHost(sampleCtx, host)
		cancel()
		if err != nil {
			log.WithHostID(host.ID).Debug().Err(err).Msg("metrics sample failed")
			continue
		}

		id := fmt.Sprint(host.ID)
		metrics.HostCPUPercent.WithLabelValues(id).Set(sample.CPUPercent)
		metrics.HostMemPercent.WithLabelValues(id).Set(sample.MemPercent)
		metrics.HostDiskPercent.WithLabelValues(id).Set(sample.DiskPercent)

		if m.cache != nil {
			if err := m.cache.PutSample(ctx, sample); err != nil {
				log.WithHostID(host.ID).Debug().Err(err).Msg("cannot cache sample")
			}
		}

		agg.Hosts++
		agg.AvgCPUPercent += sample.CPUPercent
		agg.AvgMemPercent += sample.MemPercent
		agg.AvgDiskPercent += sample.DiskPercent

		m.checkThresholds(host.ID, sample)
	}

	for status, n := range statusCounts {
		metrics.HostsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	m.refreshPlacementGauge()

	if agg.Hosts > 0 {
		agg.AvgCPUPercent /= float64(agg.Hosts)
		agg.AvgMemPercent /= float64(agg.Hosts)
		agg.AvgDiskPercent /= float64(agg.Hosts)
	}
	if m.cache != nil {
		if err := m.cache.PutAggregate(ctx, agg); err != nil {
			log.WithComponent("monitor").Debug().Err(err).Msg("cannot cache aggregate")
		}
	}
}

func (m *Monitor) refreshPlacementGauge() {
	placements, err := m.store.ListPlacements()
	if err != nil {
		return
	}
	counts := map[types.PlacementStatus]int{}
	for _, p := range placements {
		counts[p.Status]++
	}
	for status, n := range counts {
		metrics.PlacementsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

// checkThresholds raises auto-resolvable alerts for resources past
// their configured bands. Crossing the warning threshold raises a
// warning, crossing the critical threshold escalates it; either way the
// alert resolves once the value drops below the warning threshold.
func (m *Monitor) checkThresholds(hostID int64, sample *types.MetricSample) {
	type check struct {
		metric string
		value  float64
		band   config.ThresholdBand
	}
	for _, c := range []check{
		{"cpu_percent", sample.CPUPercent, m.cfg.CPU},
		{"mem_percent", sample.MemPercent, m.cfg.Memory},
		{"disk_percent", sample.DiskPercent, m.cfg.Disk},
	} {
		if c.value < c.band.Warning {
			continue
		}
		severity := types.SeverityWarning
		if c.value >= c.band.Critical {
			severity = types.SeverityCritical
		}
		m.raise(RaiseRequest{
			Kind:        "resource-" + c.metric,
			Severity:    severity,
			HostID:      hostID,
			Metric:      c.metric,
			Value:       c.value,
			Threshold:   c.band.Warning,
			AutoResolve: true,
		})
	}
}

// alertSweep auto-resolves alerts whose condition cleared and refreshes
// the active-alert gauge.
func (m *Monitor) alertSweep(ctx context.Context) {
	alerts, err := m.store.ListAlerts()
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Msg("alert sweep cannot list alerts")
		return
	}

	severityCounts := map[types.Severity]int{}
	for _, alert := range alerts {
		if alert.Status == types.AlertResolved {
			continue
		}
		if alert.AutoResolve && m.conditionCleared(ctx, alert) {
			resolved, err := m.alerter.AutoResolve(alert, m.cfg.AutoResolveMinAge)
			if err != nil {
				log.WithComponent("monitor").Error().Err(err).Msg("auto-resolve failed")
			}
			if resolved {
				continue
			}
		}
		severityCounts[alert.Severity]++
	}

	for _, sev := range []types.Severity{types.SeverityInfo, types.SeverityWarning, types.SeverityCritical} {
		metrics.AlertsActive.WithLabelValues(string(sev)).Set(float64(severityCounts[sev]))
	}
}

// conditionCleared reports whether the alert's underlying condition no
// longer holds, judged from the freshest data the monitor has.
func (m *Monitor) conditionCleared(ctx context.Context, alert *types.Alert) bool {
	switch {
	case alert.Metric != "":
		if m.cache == nil {
			return false
		}
		sample, err := m.cache.GetSample(ctx, alert.HostID)
		if err != nil || sample == nil {
			return false
		}
		switch alert.Metric {
		case "cpu_percent":
			return sample.CPUPercent < alert.Threshold
		case "mem_percent":
			return sample.MemPercent < alert.Threshold
		case "disk_percent":
			return sample.DiskPercent < alert.Threshold
		}
		return false
	case alert.Kind == "service-down":
		m.mu.Lock()
		report := m.lastReports[alert.HostID]
		m.mu.Unlock()
		return report != nil && report.Reachable && report.Services[alert.Service]
	default:
		return false
	}
}

func (m *Monitor) raise(req RaiseRequest) {
	if _, err := m.alerter.Raise(req); err != nil {
		log.WithComponent("monitor").Error().Err(err).Str("kind", req.Kind).Msg("cannot raise alert")
	}
}
