package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Fleet metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_hosts_total",
			Help: "Total number of managed hosts by status",
		},
		[]string{"status"},
	)

	PlacementsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_placements_total",
			Help: "Total number of worker placements by status",
		},
		[]string{"status"},
	)

	HostHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_host_health_score",
			Help: "Last computed health score per host (0-100)",
		},
		[]string{"host_id"},
	)

	HostCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_host_cpu_percent",
			Help: "CPU utilisation per host",
		},
		[]string{"host_id"},
	)

	HostMemPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_host_mem_percent",
			Help: "Memory utilisation per host",
		},
		[]string{"host_id"},
	)

	HostDiskPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_host_disk_percent",
			Help: "Disk utilisation per host",
		},
		[]string{"host_id"},
	)

	// Alert metrics
	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_alerts_active",
			Help: "Currently active alerts by severity",
		},
		[]string{"severity"},
	)

	AlertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_alerts_raised_total",
			Help: "Alerts raised since start by kind",
		},
		[]string{"kind"},
	)

	// Deployment engine metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_tasks_total",
			Help: "Deployment tasks by status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_task_duration_seconds",
			Help:    "Deployment task duration in seconds by kind",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"kind"},
	)

	// Proxy metrics
	ProxyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_proxy_reloads_total",
			Help: "Reverse-proxy reloads by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Register registers all collectors with the default registry. Call once
// at startup.
func Register() {
	prometheus.MustRegister(
		HostsTotal,
		PlacementsTotal,
		HostHealthScore,
		HostCPUPercent,
		HostMemPercent,
		HostDiskPercent,
		AlertsActive,
		AlertsRaisedTotal,
		TasksTotal,
		TaskDuration,
		ProxyReloadsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}
