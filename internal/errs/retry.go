package errs

import (
	"context"
	"errors"
	"time"
)

const maxBackoff = 30 * time.Second

// RetryDelay returns how long to wait before retry attempt (0-based). Rate
// limits honor the provider's retry-after hint when present, otherwise all
// retryable codes use exponential backoff.
func RetryDelay(err error, attempt int) time.Duration {
	var delay time.Duration
	switch CodeOf(err) {
	case CodeRateLimited:
		var ce *Error
		if errors.As(err, &ce) && ce.RetryAfter > 0 {
			return ce.RetryAfter
		}
		delay = time.Second << uint(attempt)
	case CodeNetwork, CodeServer:
		delay = time.Second << uint(attempt)
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		return delay
	default:
		delay = time.Duration(attempt+1) * time.Second
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// Retry runs op up to maxAttempts times, sleeping between attempts per
// RetryDelay. Non-retryable errors and context cancellation end the loop
// immediately.
func Retry(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == maxAttempts-1 {
			return lastErr
		}
		timer := time.NewTimer(RetryDelay(lastErr, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
