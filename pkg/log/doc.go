// Package log provides the global zerolog-based logger for the control
// plane, with helpers for attaching component, host, task, and placement
// context fields.
package log
