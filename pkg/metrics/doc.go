// Package metrics defines the Prometheus collectors exposed by the
// control plane: fleet gauges, host telemetry, alert counters, task
// durations, and API request metrics.
package metrics
