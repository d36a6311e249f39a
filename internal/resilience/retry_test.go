package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:      maxRetries,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("request timeout")
	})
	if calls != 4 {
		t.Errorf("expected 1+3 attempts, got %d", calls)
	}

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %T", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("expected 4 attempts recorded, got %d", exhausted.Attempts)
	}
	if !strings.Contains(err.Error(), "operation failed after 4 attempts: request timeout") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if IsRetryable(err) {
		t.Error("exhausted error must not be retryable")
	}
}

func TestDo_FatalErrorNoRetry(t *testing.T) {
	var calls int
	start := time.Now()
	err := Do(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Second}, func(_ context.Context) error {
		calls++
		return errors.New("invalid payer configuration")
	})
	if err == nil || err.Error() != "invalid payer configuration" {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("fatal errors must propagate without delay")
	}
}

func TestDo_ContextCancelledStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(_ context.Context) error {
			calls++
			return NewTransientError(errors.New("busy"), 429)
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(2), func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("reset"), 0)
		}
		return "policy", nil
	})
	if err != nil || val != "policy" {
		t.Fatalf("expected policy, got %q (%v)", val, err)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(2)
	cfg.OnRetry = func(attempt int, _ error, delay time.Duration) {
		attempts = append(attempts, attempt)
		if delay > cfg.MaxDelay {
			t.Errorf("delay %s exceeds max", delay)
		}
	}
	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("x"), 502)
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected retries [1 2], got %v", attempts)
	}
}

func TestDelay_Bounds(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:      10,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}
	for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
		cfg.rand = func() float64 { return r }
		for attempt := 0; attempt < 12; attempt++ {
			d := cfg.Delay(attempt)
			ceiling := cfg.Ceiling(attempt)
			if d > cfg.MaxDelay {
				t.Fatalf("attempt %d: delay %s above max", attempt, d)
			}
			if d < ceiling/2 {
				t.Fatalf("attempt %d: delay %s below half of %s", attempt, d, ceiling)
			}
		}
	}
}

func TestCeiling_Exponential(t *testing.T) {
	cfg := DefaultRetryConfig()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := cfg.Ceiling(attempt); got != w {
			t.Errorf("attempt %d: expected %s, got %s", attempt, w, got)
		}
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(0, 100, 1000, 3)
	if cfg.MaxRetries != 0 || cfg.BaseDelay != 100*time.Millisecond || cfg.MaxDelay != time.Second || cfg.ExponentialBase != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	cfg = FromRetryConfig(-1, 0, 0, 0)
	if cfg.MaxRetries != 3 || cfg.BaseDelay != 2*time.Second {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(3, 45000, 0)
	if cfg.FailureThreshold != 3 || cfg.ResetTimeout != 45*time.Second || cfg.MonitoringPeriod != time.Minute {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
