package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilSatisfied(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	calls := 0
	ok, err := Until(context.Background(), clock, Policy{Interval: 200 * time.Millisecond, Timeout: 2 * time.Second}, func() bool {
		calls++
		return calls == 3
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 400*time.Millisecond, clock.Slept())
}

func TestUntilTimesOut(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	calls := 0
	ok, err := Until(context.Background(), clock, Policy{Interval: 300 * time.Millisecond, Timeout: time.Second}, func() bool {
		calls++
		return false
	})
	require.NoError(t, err)
	assert.False(t, ok)
	// t=0, 300, 600, 900, 1000 (final sleep clipped to the deadline)
	assert.Equal(t, 5, calls)
	assert.Equal(t, time.Second, clock.Slept())
}

func TestUntilZeroTimeoutChecksOnce(t *testing.T) {
	calls := 0
	ok, err := Until(context.Background(), NewFakeClock(time.Now()), Policy{}, func() bool {
		calls++
		return false
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestUntilContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := Until(ctx, NewFakeClock(time.Now()), Policy{Interval: time.Second, Timeout: time.Minute}, func() bool { return false })
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealClockSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
