/*
Package installer holds one installer per service kind: the container
engine, the reverse proxy, the relational database, the cache, and the
Odoo application worker.

Every installer declares applicability predicates over host facts,
detection of an already-present service (with semver compatibility
gating), an ordered install plan of commands and uploads, a post-install
verify sequence, and a best-effort removal. Only a passing Verify
authorises adding the service to the host's current services.

Plan steps carry tags: IgnoreErrors continues past a non-zero exit,
Retryable re-attempts with exponential backoff, Idempotent marks safe
re-runs. Stderr matching the published allowlist of harmless patterns
(debconf notices, init absent inside a container, "already exists") is
classified as informational, never as failure; the rules live in
stderr.go and are exercised by tests.

The engine installer selects one of three strategies from the host's
environment classification: host-socket (CLI only), nested (in-container
daemon with a vfs storage driver and no iptables or bridge), or standard
(system package plus enabled unit).
*/
package installer
