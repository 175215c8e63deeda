// Package monitor runs the periodic health, metrics, and alerting
// loops over the host fleet and worker placements.
package monitor
