package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"publish timeout", ErrPublishTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("publish: %w", context.DeadlineExceeded), true},
		{"nats not connected", fmt.Errorf("not connected to NATS"), true},
		{"encoding", ErrEncoding, false},
		{"unknown target", ErrUnknownTarget, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrUnknownTarget))
	assert.Equal(t, ErrorInvalid, Classify(ErrEncoding))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("broker rejected")

	err := Wrap(base, "TriggerQueue", "Flush", "publish measurements")
	assert.Equal(t, "TriggerQueue.Flush: publish measurements failed: broker rejected", err.Error())
	assert.True(t, errors.Is(err, base))

	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "C", "M", "act")
	invalid := WrapInvalid(base, "C", "M", "act")
	fatal := WrapFatal(base, "C", "M", "act")

	assert.True(t, IsTransient(transient))
	assert.True(t, IsInvalid(invalid))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))

	var ce *ClassifiedError
	require.True(t, errors.As(invalid, &ce))
	assert.Equal(t, "C", ce.Component)
	assert.Equal(t, "M", ce.Operation)
	assert.True(t, errors.Is(invalid, base))
}

func TestRetryConfig_Do(t *testing.T) {
	rc := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	t.Run("transient errors are retried", func(t *testing.T) {
		attempts := 0
		err := rc.Do(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return ErrConnectionLost
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("invalid errors stop immediately", func(t *testing.T) {
		attempts := 0
		err := rc.Do(context.Background(), func() error {
			attempts++
			return ErrEncoding
		})
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.True(t, errors.Is(err, ErrEncoding))
	})
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.True(t, rc.ShouldRetry(ErrConnectionTimeout, 0))
	assert.False(t, rc.ShouldRetry(ErrConnectionTimeout, rc.MaxRetries))
	assert.False(t, rc.ShouldRetry(ErrInvalidData, 0))
	assert.False(t, rc.ShouldRetry(nil, 0))
}
