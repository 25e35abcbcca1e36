// Package retry implements bounded exponential backoff for exchange and
// persistence calls. Retries are never unbounded: once MaxAttempts is
// exhausted the last error is returned to the caller.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

type Config struct {
	// MaxAttempts counts the first try. Values <= 0 mean a single attempt.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles each retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// OnRetry, when set, is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ExchangeConfig matches the order-submission contract: 3 attempts, base 1s.
func ExchangeConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

func (c Config) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg.normalize()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, d)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// PermanentError marks a failure that must not be retried (invalid symbol,
// insufficient balance, rejected parameters).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do surfaces it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
