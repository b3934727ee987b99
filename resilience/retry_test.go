package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

func TestRetry_Success(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return nexuserr.Network("get", errors.New("fail"))
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ExhaustsRetryable(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	testErr := nexuserr.Timeout("get")
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return testErr
	})

	if !errors.Is(err, testErr) {
		t.Errorf("expected testErr, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return nexuserr.Validation("name", "empty")
	})

	if nexuserr.KindOf(err) != nexuserr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancel(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, cfg, func() error {
		return nexuserr.Network("get", errors.New("fail"))
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDelay_Bounds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:  6,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}

	for n := 1; n <= cfg.MaxAttempts; n++ {
		base := float64(cfg.InitialDelay)
		for i := 1; i < n; i++ {
			base *= cfg.Multiplier
		}
		if base > float64(cfg.MaxDelay) {
			base = float64(cfg.MaxDelay)
		}
		lower := time.Duration(base * (1 - cfg.JitterFactor))
		upper := time.Duration(base * (1 + cfg.JitterFactor))

		for trial := 0; trial < 50; trial++ {
			d := cfg.Delay(n)
			if d < lower || d > upper {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", n, d, lower, upper)
			}
		}
	}
}

func TestDelay_NoJitterIsDeterministic(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}

	if d := cfg.Delay(1); d != 10*time.Millisecond {
		t.Errorf("delay(1) = %v", d)
	}
	if d := cfg.Delay(2); d != 30*time.Millisecond {
		t.Errorf("delay(2) = %v", d)
	}
	if d := cfg.Delay(10); d != time.Second {
		t.Errorf("delay(10) should cap at max, got %v", d)
	}
}
