// Package audit records operator actions in the append-only audit log,
// written before the corresponding state change commits.
package audit
