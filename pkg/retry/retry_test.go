package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 3, calls)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return NonRetryable(errors.New("fatal"))
	})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(10), func() error {
		calls++
		cancel()
		return errors.New("keep going")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestBackoffSequenceGrowsAndCaps(t *testing.T) {
	b := NewBackoff(Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	})

	d1, ok := b.Next()
	require.True(t, ok)
	d2, ok := b.Next()
	require.True(t, ok)
	d3, ok := b.Next()
	require.True(t, ok)
	d4, ok := b.Next()
	require.True(t, ok)

	assert.Equal(t, 10*time.Millisecond, d1)
	assert.Equal(t, 20*time.Millisecond, d2)
	assert.Equal(t, 25*time.Millisecond, d3, "should cap at MaxDelay")
	assert.Equal(t, 25*time.Millisecond, d4)

	_, ok = b.Next()
	assert.False(t, ok, "budget exhausted")
	assert.Equal(t, 4, b.Attempt())
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(fastConfig(1))
	_, ok := b.Next()
	require.True(t, ok)
	_, ok = b.Next()
	require.False(t, ok)

	b.Reset()
	d, ok := b.Next()
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, d)
}

func TestHardwareRecoveryBounded(t *testing.T) {
	cfg := HardwareRecovery()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.LessOrEqual(t, cfg.InitialDelay, cfg.MaxDelay)
}
