/*
Package storage provides durable state storage for the control plane.

The Store interface covers hosts, deployment tasks, worker placements,
domain mappings, alerts, the append-only audit log, and pinned SSH host
keys. The BoltDB implementation keeps each entity in its own bucket as a
JSON row keyed by a monotonic bucket-sequence id.

Invariants enforced at the store boundary:

  - Host writes use an optimistic version counter; stale writes fail.
  - Terminal deployment tasks are immutable.
  - Placement names are globally unique, and (host, port) is unique
    among non-stopped placements.
  - External domains are unique.
  - Audit entries can only be appended, never changed.
*/
package storage
