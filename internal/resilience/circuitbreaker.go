// Package resilience holds the failure-handling primitives wrapped around the
// transcription and language-understanding endpoints.
//
// A [CircuitBreaker] stops calling an endpoint after a run of failures and
// probes it again once a cool-down has passed. A [FallbackGroup] orders
// several providers of one kind, each behind its own breaker. [Retry] re-runs
// an operation with exponential backoff while its error is transient.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has passed.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successful
	// probes close the breaker; a single failed one opens it again.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// documented defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// MaxFailures is the run of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of probes admitted while half-open and
	// the number of successful probes needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure reports whether an error counts against the endpoint. Errors
	// it rejects are returned to the caller but count as an answered call.
	// Default: every error except context.Canceled.
	IsFailure func(error) bool

	// OnStateChange runs after every transition, outside the breaker's lock.
	// Default: log the transition.
	OnStateChange func(name string, from, to State)
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func logTransition(name string, from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", name, "from", from.String(), "to", to.String())
}

type transition struct{ from, to State }

// CircuitBreaker guards calls to one endpoint.
//
// Every transition starts a new generation. Outcomes of calls admitted in an
// earlier generation are discarded, so a slow call that started before the
// breaker opened cannot close it again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int // consecutive, while closed
	probes     int // admitted in this half-open generation
	successes  int // successful probes in this half-open generation
	openUntil  time.Time
	pending    []transition
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = logTransition
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen]. The
// error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(gen, err != nil && cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.unlock()

	switch cb.current() {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return 0, ErrCircuitOpen
		}
		cb.probes++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) settle(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.unlock()

	state := cb.current()
	if gen != cb.generation {
		return
	}
	switch state {
	case StateClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.moveTo(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			cb.moveTo(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
		}
	}
}

// current returns the state, first moving an expired open breaker to
// half-open. cb.mu must be held.
func (cb *CircuitBreaker) current() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		cb.moveTo(StateHalfOpen)
	}
	return cb.state
}

// moveTo starts a new generation in state to. cb.mu must be held.
func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	if to == StateOpen {
		cb.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
	}
	cb.pending = append(cb.pending, transition{from, to})
}

// unlock releases cb.mu and reports the transitions made while it was held.
func (cb *CircuitBreaker) unlock() {
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()
	for _, t := range pending {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports (and becomes) half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.unlock()
	return cb.current()
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// ConsecutiveFailures returns the current run of counted failures of a
// closed breaker.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlock()
	if cb.state != StateClosed {
		cb.moveTo(StateClosed)
		return
	}
	cb.generation++
	cb.failures = 0
}
