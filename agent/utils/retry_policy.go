package utils

import (
	"context"
	"math"
	"time"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// CalculateDelay calculates exponential backoff delay for retry attempt
func (r *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= r.MaxRetries {
		return r.MaxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * r.BaseDelay
	if delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// Execute executes a function with retry policy. Cancelling the context
// stops the retry loop mid-backoff.
func (r *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < r.MaxRetries-1 {
			timer := time.NewTimer(r.CalculateDelay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return lastErr
}
