package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Retry(context.Background(), RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Retryable:  isTransient,
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := errors.New("bad request")
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		Retryable:  isTransient,
	}, func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Retryable:  isTransient,
	}, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Retry(ctx, RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		Retryable:  isTransient,
	}, func(context.Context) (int, error) {
		cancel()
		return 0, errTransient
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want context.Canceled wrapping transient", err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
