package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// APIError represents a provider API error with an HTTP status code.
// Adapters wrap vendor SDK errors into this type so the retry predicate
// can classify them uniformly.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether an error is transient: rate limits, timeouts
// and 5xx-equivalents retry; authentication and malformed-request failures
// do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation is the caller's decision, never retried.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 408 || apiErr.StatusCode == 429 {
			return true
		}
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String fallback only for untyped errors from vendor SDKs.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"rate limit", "overloaded", "timeout", "connection reset", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
