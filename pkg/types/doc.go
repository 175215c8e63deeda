/*
Package types defines the core data structures used throughout Flotilla.

This package contains all fundamental types that represent the control
plane's domain model: managed hosts, deployment tasks, worker placements,
domain mappings, alerts, and audit entries. These types are used by all
other packages for state management, API communication, and orchestration
logic.

# Core Types

Fleet state:
  - Host: a managed remote machine with roles, facts, and health
  - HostFacts: probed system facts (CPU, memory, OS, environment kind)
  - Environment: metal-or-vm, container-host-with-socket, container-nested

Deployment:
  - DeploymentTask: durable record of one workflow with progress and log
  - TaskKind: install, migrate, backup, network-scan, full-setup

Traffic:
  - ServicePlacement: one application worker bound to a (host, port)
  - DomainMapping: custom external domain routed to an internal target

Observability:
  - Alert: deduplicated on the (kind, host, placement, service) tuple
  - MetricSample: one point of host telemetry
  - AuditEntry: append-only operator action record

Errors:
  - Fault / ErrKind: the stable error taxonomy exposed to operators

All types serialize to JSON for the durable store and the operator API.
*/
package types
