package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Non-positive
// values keep the defaults; maxRetries of 0 is honored as "no retries".
func FromRetryConfig(maxRetries, baseDelayMs, maxDelayMs int, exponentialBase float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if baseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if exponentialBase > 0 {
		cfg.ExponentialBase = exponentialBase
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutMs, monitoringPeriodMs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutMs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutMs) * time.Millisecond
	}
	if monitoringPeriodMs > 0 {
		cfg.MonitoringPeriod = time.Duration(monitoringPeriodMs) * time.Millisecond
	}
	return cfg
}
