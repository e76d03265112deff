package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_ExponentialSchedule(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	assert.Equal(t, 100*time.Millisecond, Delay(0, base, max))
	assert.Equal(t, 200*time.Millisecond, Delay(1, base, max))
	assert.Equal(t, 400*time.Millisecond, Delay(2, base, max))
	assert.Equal(t, 800*time.Millisecond, Delay(3, base, max))
	assert.Equal(t, 1600*time.Millisecond, Delay(4, base, max))
	assert.Equal(t, max, Delay(5, base, max))
	assert.Equal(t, max, Delay(50, base, max))
}

func TestJitter_Bounds(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		j := Jitter(d)
		assert.GreaterOrEqual(t, j, d)
		assert.Less(t, j, d+d/2)
	}
	assert.Equal(t, time.Duration(0), Jitter(0))
}

func TestDo_StopsOnTerminalError(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	err := Do(context.Background(), DefaultPolicy, func(error) bool { return false }, func() error {
		calls++
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	transient := errors.New("transient")
	policy := Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	transient := errors.New("transient")
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, func(error) bool { return true }, func() error {
		calls++
		return transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	err := Do(ctx, policy, func(error) bool { return true }, func() error {
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}
