// Package engine is the durable deployment engine: a pool of workers
// executing persisted tasks (installs, migrations, backups, scans)
// against the fleet, with per-host serialization, progress reporting,
// and orphan recovery after restarts.
package engine
