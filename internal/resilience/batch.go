package resilience

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// PacedBatch runs fn over items in consecutive groups of at most size
// concurrent calls, pausing delay between groups to respect upstream rate
// limits. Results keep the input order. fn reports failures through its
// result; one item never aborts the others. When ctx is cancelled the
// remaining groups are not started and their results stay zero.
func PacedBatch[T, R any](ctx context.Context, items []T, size int, delay time.Duration, fn func(ctx context.Context, i int, item T) R) []R {
	if size <= 0 {
		size = 1
	}
	out := make([]R, len(items))
	for start := 0; start < len(items); start += size {
		if start > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return out
		}

		end := min(start+size, len(items))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				out[i] = fn(ctx, i, items[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return out
}
