package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. The entries' own errors stay reachable through errors.Is.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker placed in front of every entry of a
// [FallbackGroup]. Name is overridden with the entry's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary provider and any number of fallbacks of the
// same type, tried in registration order. An entry whose breaker is open is
// skipped. An error its breaker does not count as a failure (a cancelled
// caller, invalid input) is returned at once, since another provider would
// fail the same way.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = countsAsFailure
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry behind the ones already registered.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	entry := fallbackEntry[T]{name: name, value: fallback, breaker: NewCircuitBreaker(cbCfg)}

	fg.mu.Lock()
	fg.entries = append(fg.entries, entry)
	fg.mu.Unlock()
}

func (fg *FallbackGroup[T]) snapshot() []fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.entries[:len(fg.entries):len(fg.entries)]
}

// Primary returns the first registered entry.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.snapshot()[0].value
}

// Len returns the number of entries, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.snapshot()) }

// States returns the breaker state of every entry keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	entries := fg.snapshot()
	out := make(map[string]State, len(entries))
	for _, e := range entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute runs fn against the entries in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the entries of fg in order and returns
// the first successful result. It is a function rather than a method because
// methods cannot declare the extra type parameter R.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, e := range fg.snapshot() {
		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback: skipping provider with open circuit", "provider", e.name)
		case !fg.cfg.CircuitBreaker.IsFailure(err):
			return zero, err
		default:
			slog.Warn("fallback: provider failed, trying next", "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
