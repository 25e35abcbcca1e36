package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still down")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return Permanent(errors.New("invalid symbol"))
	})
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayDoublesAndCaps(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, cfg.delay(0))
	assert.Equal(t, 2*time.Second, cfg.delay(1))
	assert.Equal(t, 3*time.Second, cfg.delay(2))
	assert.Equal(t, 3*time.Second, cfg.delay(5))
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), cfg, func() error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}
