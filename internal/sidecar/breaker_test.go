package sidecar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State())
	}

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// Cooldown elapses: exactly one probe is admitted.
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		now := time.Now()
		b := NewCircuitBreaker(1, 30*time.Second)
		b.now = func() time.Time { return now }

		b.RecordFailure()
		now = now.Add(31 * time.Second)
		require.NoError(t, b.Allow())

		b.RecordSuccess()
		assert.Equal(t, BreakerClosed, b.State())
		assert.NoError(t, b.Allow())
	})

	t.Run("failure reopens", func(t *testing.T) {
		now := time.Now()
		b := NewCircuitBreaker(1, 30*time.Second)
		b.now = func() time.Time { return now }

		b.RecordFailure()
		now = now.Add(31 * time.Second)
		require.NoError(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

		// A fresh cooldown applies after the failed probe.
		now = now.Add(31 * time.Second)
		assert.NoError(t, b.Allow())
	})
}

func TestCircuitBreaker_ResetOverridesCooldown(t *testing.T) {
	b := NewCircuitBreaker(1, 30*time.Second)

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}
