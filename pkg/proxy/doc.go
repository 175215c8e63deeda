// Package proxy renders nginx configuration for the worker fleet and
// applies it over SSH with validation, reload, and rollback.
package proxy
