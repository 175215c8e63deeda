// Package placement schedules application workers onto hosts and
// manages their lifecycle: port reservation, draining, and tenant
// capacity accounting.
package placement
