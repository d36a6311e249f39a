package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (e.g. 429, 5xx, network
// timeout). Code optionally carries a symbolic error code such as ETIMEDOUT.
type TransientError struct {
	Err        error
	StatusCode int
	Code       string
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// HTTPStatusError reports a non-success HTTP status from an upstream.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// StatusError builds the error for an HTTP status, marking it transient when
// the status is retryable.
func StatusError(statusCode int, url string) error {
	err := &HTTPStatusError{StatusCode: statusCode, URL: url}
	if IsRetryableHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return err
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
}

var retryableCodes = map[string]bool{
	"ECONNRESET":   true,
	"ENOTFOUND":    true,
	"ECONNREFUSED": true,
	"ETIMEDOUT":    true,
	"EPIPE":        true,
	"EHOSTDOWN":    true,
	"EHOSTUNREACH": true,
	"EAI_AGAIN":    true,
}

// IsRetryable reports whether err should be retried: explicit transient
// errors, network timeouts and resets, DNS failures, retryable HTTP statuses,
// or messages mentioning a timeout or connection problem. Exhausted retries
// and open circuits are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var se *HTTPStatusError
	if errors.As(err, &se) {
		return IsRetryableHTTPStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := err.Error()
	for code := range retryableCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "connection")
}

// IsRetryableHTTPStatus returns true for statuses that indicate a transient
// upstream problem, including the 52x codes some CDNs emit.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 520, 521, 522, 524:
		return true
	default:
		return false
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, ErrCircuitOpen) || IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}
