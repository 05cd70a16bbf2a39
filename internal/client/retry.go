package client

import (
	"math/rand"
	"time"
)

// RetryPolicy governs retries for transient provider failures. It is
// attached per provider call by the Client.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // backoff cap
	Retryable    func(error) bool
}

// DefaultRetryPolicy returns conservative retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Retryable:    IsRetryable,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// exponential growth capped at MaxDelay, plus up to 25% jitter to avoid
// thundering-herd retries.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// ShouldRetry reports whether another attempt is allowed for err after the
// given 0-based attempt number.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return IsRetryable(err)
	}
	return p.Retryable(err)
}
