package lending

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	defaultRetryAttempts = 4
	defaultRetryBase     = 10 * time.Millisecond
	defaultRetryJitter   = 0.3
)

// RetryPolicy bounds how often a unit of work is re-run after ErrContention.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
}

// DefaultRetryPolicy retries after 10ms, 20ms and 40ms plus up to 30% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		BaseDelay:   defaultRetryBase,
		Jitter:      defaultRetryJitter,
	}
}

// retryOnContention runs fn until it succeeds, fails with a non-contention
// error, or the attempts run out. Deadlines are never retried.
func retryOnContention(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * p.Jitter //nolint:gosec // jitter only
			timer := time.NewTimer(delay + time.Duration(jitter))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrContention) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempts, lastErr)
}
