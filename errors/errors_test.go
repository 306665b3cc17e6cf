package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"store unavailable", ErrStoreUnavailable, true},
		{"connection lost", ErrConnectionLost, true},
		{"wrapped store unavailable", fmt.Errorf("persist: %w", ErrStoreUnavailable), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout in message", errors.New("dial tcp: i/o timeout"), true},
		{"decode failed", ErrDecodeFailed, false},
		{"invalid config", ErrInvalidConfig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrDecodeFailed))
	assert.True(t, IsInvalid(ErrMissingSensor))
	assert.True(t, IsInvalid(ErrMissingTimestamp))
	assert.True(t, IsInvalid(fmt.Errorf("decode: %w", ErrFrameTooLarge)))
	assert.False(t, IsInvalid(ErrStoreUnavailable))
	assert.False(t, IsInvalid(nil))
}

func TestWrapTransient(t *testing.T) {
	base := errors.New("connection refused")
	err := WrapTransient(base, "store", "Persist", "begin transaction")
	require.Error(t, err)

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "store", ce.Component)
	assert.Contains(t, err.Error(), "store.Persist: begin transaction failed")
	assert.True(t, errors.Is(err, base))
}

func TestWrap_NilError(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(WrapInvalid(ErrDecodeFailed, "decoder", "Decode", "parse")))
	assert.Equal(t, ErrorFatal, Classify(WrapFatal(ErrInvalidConfig, "config", "Validate", "check")))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something else")))
	// Invalid classification wins over the transient message heuristic.
	assert.Equal(t, ErrorInvalid, Classify(ErrMissingTimestamp))
}
