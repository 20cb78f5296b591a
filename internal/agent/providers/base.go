package providers

import (
	"context"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// retry runs fn up to attempts times, waiting delay*n between tries
// (linear backoff). Non-retryable failures abort immediately.
func retry(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay * time.Duration(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// retryableReason is the retry predicate shared by the adapters: only
// structured provider errors with a retryable reason are retried.
func retryableReason(err error) bool {
	if pe, ok := Get(err); ok {
		return pe.Reason.IsRetryable()
	}
	return false
}
