package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times. Default: 3.
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the delay before the first retry. Default: 2s.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the computed delay before jitter. Default: 30s.
	MaxDelay time.Duration `json:"max_delay"`

	// ExponentialBase scales the delay after each attempt. Default: 2.
	ExponentialBase float64 `json:"exponential_base"`

	// ShouldRetry optionally overrides IsRetryable.
	ShouldRetry func(err error) bool `json:"-"`

	// OnRetry is called before each retry sleep with the retry number, the
	// error and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-"`

	// rand returns a float in [0,1); tests pin it.
	rand func() float64
}

// DefaultRetryConfig returns the retry settings used for source fetches.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}
}

// RetryExhaustedError is returned once every attempt failed with a retryable
// error. It is itself not retryable.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Do executes fn, retrying retryable errors with backoff. Non-retryable errors
// return immediately. Context cancellation stops the wait and returns the last
// error.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is like Do but preserves the return value of the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	attempts := cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, &RetryExhaustedError{Attempts: attempts, Last: lastErr}
}

// Delay returns the wait before retry number attempt+1:
// min(MaxDelay, BaseDelay × ExponentialBase^attempt) scaled by a jitter factor
// drawn uniformly from [0.5, 1.0].
func (cfg RetryConfig) Delay(attempt int) time.Duration {
	cfg = applyDefaults(cfg)
	d := cfg.Ceiling(attempt)
	r := rand.Float64
	if cfg.rand != nil {
		r = cfg.rand
	}
	return time.Duration(float64(d) * (0.5 + r()*0.5))
}

// Ceiling is the un-jittered delay for attempt.
func (cfg RetryConfig) Ceiling(attempt int) time.Duration {
	cfg = applyDefaults(cfg)
	d := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2
	}
	return cfg
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(source, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("source", source),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

// WithLogger returns a copy of cfg that logs retries for source/operation.
func (cfg RetryConfig) WithLogger(source, operation string) RetryConfig {
	cfg.OnRetry = RetryLogger(source, operation)
	return cfg
}
