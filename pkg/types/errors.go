package types

import (
	"errors"
	"fmt"
)

// ErrKind is a stable error classification carried across component
// boundaries and into API responses and task rows.
type ErrKind string

const (
	ErrKindUnreachable       ErrKind = "Unreachable"
	ErrKindAuthFailed        ErrKind = "AuthFailed"
	ErrKindHostKeyChanged    ErrKind = "HostKeyChanged"
	ErrKindCommandFailed     ErrKind = "CommandFailed"
	ErrKindVerifyFailed      ErrKind = "VerifyFailed"
	ErrKindDependencyMissing ErrKind = "DependencyMissing"
	ErrKindCapacityExceeded  ErrKind = "CapacityExceeded"
	ErrKindConfigInvalid     ErrKind = "ConfigInvalid"
	ErrKindOrphaned          ErrKind = "Orphaned"
	ErrKindTimeout           ErrKind = "Timeout"
	ErrKindNotFound          ErrKind = "NotFound"
	ErrKindConflict          ErrKind = "Conflict"
	ErrKindInternal          ErrKind = "Internal"
)

// Fault is an error with a stable kind. User-facing surfaces expose the
// kind string and detail; wrapped causes stay internal.
type Fault struct {
	Kind   ErrKind
	Detail string
	Cause  error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// NewFault creates a Fault with the given kind and detail.
func NewFault(kind ErrKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapFault creates a Fault wrapping an underlying cause.
func WrapFault(kind ErrKind, cause error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the error kind from err, walking the wrap chain.
// Unclassified errors report ErrKindInternal.
func KindOf(err error) ErrKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ErrKindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return err != nil && KindOf(err) == kind
}
