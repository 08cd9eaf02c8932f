package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// Name labels log records.
	Name string

	// MaxRetries is the number of additional attempts after the first one.
	// Zero disables retrying.
	MaxRetries int

	// BaseDelay is the wait before the first retry; each further retry
	// doubles it. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Default: 8s.
	MaxDelay time.Duration

	// Retryable decides whether an error is transient. Nil means nothing is
	// retried.
	Retryable func(error) bool
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent. Waits between attempts honour ctx; a cancelled
// context aborts with its error wrapped around the last failure.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}

		delay := p.Backoff(attempt + 1)
		slog.Debug("retrying after transient error",
			"op", p.Name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}
