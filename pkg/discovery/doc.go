// Package discovery sweeps network ranges for SSH-reachable machines
// that can be onboarded as managed hosts.
package discovery
