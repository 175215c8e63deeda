// Package cache is the redis-backed ephemeral view of host telemetry.
// The monitor writes the latest sample per host and a system-wide
// aggregate with a short TTL; other components only read.
package cache
