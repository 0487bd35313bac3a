package reliability

import (
	"context"
	"errors"
	"time"
)

// IsRetryableStoreError classifies store write errors worth one more
// attempt. Context cancellation is the caller's decision, never retried.
func IsRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Deadline errors are retried: the retry runs under the caller's
	// context, so a dead parent still stops the loop.
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs fn up to attempts times, sleeping a capped exponential
// backoff between tries. Returns the last error.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ExponentialBackoff(i-1, base, cap)):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRetryableStoreError(err) {
			return err
		}
	}
	return err
}
