package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayIncreasesUntilCap(t *testing.T) {
	policy := DefaultRetryPolicy()

	prev := time.Duration(0)
	reachedCap := false
	for attempt := 0; attempt < 50; attempt++ {
		d := policy.Delay(attempt)
		assert.LessOrEqual(t, d, policy.Max, "attempt %d", attempt)
		if reachedCap {
			assert.Equal(t, policy.Max, d)
			continue
		}
		assert.Greater(t, d, prev, "attempt %d", attempt)
		if d == policy.Max {
			reachedCap = true
		}
		prev = d
	}
	assert.True(t, reachedCap)
}

func TestDelayMatchesSchedule(t *testing.T) {
	policy := DefaultRetryPolicy()

	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, policy.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelayHugeAttemptDoesNotOverflow(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, policy.Max, policy.Delay(1<<30))
}

func TestBackoffResetAfterSuccess(t *testing.T) {
	b := NewBackoff(RetryPolicy{Base: time.Second, Factor: 2, Max: 8 * time.Second})

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next())
}

func TestSleepObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	policy := RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastError(t *testing.T) {
	policy := RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, 3, func() error {
		calls++
		return errors.New("still failing")
	})
	require.EqualError(t, err, "still failing")
	assert.Equal(t, 3, calls)
}
