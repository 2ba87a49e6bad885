package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"orderflow-backend/internal/config"
	apperrors "orderflow-backend/pkg/errors"
)

// Retry runs fn up to MaxRetries+1 times with exponential backoff and
// jitter. Non-retryable errors stop the loop immediately; an exhausted loop
// returns RETRIES_EXHAUSTED wrapping the last error.
func Retry(ctx context.Context, rc config.ResourceConfig, fn func() error) error {
	var lastErr error
	attempts := rc.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffFor(rc, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRetriesExhausted, attempts, lastErr)
}

func backoffFor(rc config.ResourceConfig, attempt int) time.Duration {
	base := float64(rc.InitialBackoff)
	mult := rc.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	d := base * math.Pow(mult, float64(attempt-1))
	if rc.JitterRatio > 0 {
		d += d * rc.JitterRatio * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
