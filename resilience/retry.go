// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFactor   float64 // 0-1, adds randomness
	RetryableKinds []nexuserr.Kind
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Retryable reports whether err should be retried under this config.
func (cfg RetryConfig) Retryable(err error) bool {
	return nexuserr.IsRetryable(err, cfg.RetryableKinds...)
}

// Delay returns the backoff delay before attempt n (1-based), jitter applied:
// min(max_delay, initial * multiplier^(n-1)) * (1 ± jitter).
func (cfg RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
		if cfg.MaxDelay > 0 && d >= float64(cfg.MaxDelay) {
			d = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return addJitter(time.Duration(d), cfg.JitterFactor)
}

// Retry executes fn with exponential backoff. Non-retryable errors abort
// immediately; retryable errors are re-attempted up to MaxAttempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
	return lastErr
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
