// Package api exposes the control plane over HTTP: host inventory,
// deployments, placements, domains, alerts, scans, and the audit log.
package api
