package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrKind
	}{
		{"direct fault", NewFault(ErrKindNotFound, "host 3"), ErrKindNotFound},
		{"wrapped fault", fmt.Errorf("outer: %w", NewFault(ErrKindConflict, "dup")), ErrKindConflict},
		{"fault wrapping fault keeps outer kind", WrapFault(ErrKindVerifyFailed, NewFault(ErrKindCommandFailed, "exit 1"), "verify"), ErrKindVerifyFailed},
		{"plain error", errors.New("boom"), ErrKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsKind(t *testing.T) {
	err := WrapFault(ErrKindUnreachable, errors.New("dial tcp"), "host 10.0.0.5")
	assert.True(t, IsKind(err, ErrKindUnreachable))
	assert.False(t, IsKind(err, ErrKindTimeout))
	assert.False(t, IsKind(nil, ErrKindInternal))
}

func TestFaultError(t *testing.T) {
	plain := NewFault(ErrKindCapacityExceeded, "no eligible host")
	assert.Equal(t, "CapacityExceeded: no eligible host", plain.Error())

	cause := errors.New("connection refused")
	wrapped := WrapFault(ErrKindUnreachable, cause, "host web-1")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.ErrorIs(t, wrapped, cause)
}
