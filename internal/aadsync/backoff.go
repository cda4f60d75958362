package aadsync

import (
	"context"
	"time"
)

// retryDelay is base*2^retries, raised to a server Retry-After hint and
// capped by maxDelay.
func retryDelay(base, maxDelay time.Duration, retries int, retryAfter time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
