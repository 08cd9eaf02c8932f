// Package transcription turns captured audio into transcripts.
//
// It is built from three parts:
//
//   - [Pool] keeps a fixed number of pre-configured [stt.Transcriber] client
//     handles, hands them out one caller at a time and replaces handles
//     that fail health checks.
//   - [Cache] stores transcripts keyed by an audio content fingerprint and an
//     options fingerprint in a [kv.Store].
//   - [Service] combines both with a circuit breaker, a rate limiter and a
//     retry policy into Transcribe, TranscribeBatch and TranscribeStream.
//
// All types are safe for concurrent use.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
)

var (
	// ErrPoolExhausted is returned by [Pool.Acquire] when no healthy handle
	// became available within the acquire timeout.
	ErrPoolExhausted = errors.New("transcription: connection pool exhausted")

	// ErrPoolClosed is returned by [Pool.Acquire] after [Pool.Close].
	ErrPoolClosed = errors.New("transcription: connection pool closed")
)

const (
	defaultPoolSize       = 5
	defaultAcquireTimeout = 5 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultMaxPingFails   = 3
	pingTimeout           = 5 * time.Second
	maxReplaceBackoff     = 30 * time.Second
)

// Factory creates one pre-configured client handle.
type Factory func() (stt.Transcriber, error)

// Conn is a client handle checked out of a [Pool]. It must be returned with
// [Pool.Release] exactly once.
type Conn struct {
	id     int
	client stt.Transcriber

	// Guarded by the owning pool's mutex.
	healthy   bool
	pingFails int
}

// ID returns the handle's pool-local identifier.
func (c *Conn) ID() int { return c.id }

// Transcriber returns the underlying client.
func (c *Conn) Transcriber() stt.Transcriber { return c.client }

// PoolStats is a point-in-time view of a [Pool].
type PoolStats struct {
	Size              int
	Available         int
	Active            int
	Replacing         int
	Acquires          int64
	Exhaustions       int64
	Replacements      int64
	AvgAcquireLatency time.Duration
}

// PoolOption is a functional option for [NewPool].
type PoolOption func(*Pool)

// WithSize sets the number of handles. Default: 5.
func WithSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithAcquireTimeout bounds how long [Pool.Acquire] waits. Default: 5s.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.acquireTimeout = d
		}
	}
}

// WithHealthInterval sets the period of the background health check.
// Default: 30s.
func WithHealthInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.healthInterval = d
		}
	}
}

// WithMaxPingFailures sets how many consecutive failed pings retire a
// handle. Default: 3.
func WithMaxPingFailures(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxPingFails = n
		}
	}
}

// WithPoolMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithPoolMetrics(m *observe.Metrics) PoolOption {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pool is a fixed-size set of transcription client handles split into
// available and active sets. Reserve and release happen under one mutex so
// that a handle is never handed to two callers.
type Pool struct {
	factory        Factory
	size           int
	acquireTimeout time.Duration
	healthInterval time.Duration
	maxPingFails   int
	metrics        *observe.Metrics

	mu        sync.Mutex
	available []*Conn
	active    map[*Conn]struct{}
	replacing int
	nextID    int
	closed    bool
	// ready is closed and replaced whenever a handle becomes available.
	ready chan struct{}

	acquires       int64
	exhaustions    int64
	replacements   int64
	acquireLatency time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates all handles eagerly and starts the health loop. It fails
// when the factory cannot create the initial handles.
func NewPool(factory Factory, opts ...PoolOption) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("transcription: pool factory must not be nil")
	}
	p := &Pool{
		factory:        factory,
		size:           defaultPoolSize,
		acquireTimeout: defaultAcquireTimeout,
		healthInterval: defaultHealthInterval,
		maxPingFails:   defaultMaxPingFails,
		metrics:        observe.DefaultMetrics(),
		active:         make(map[*Conn]struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	for range p.size {
		client, err := factory()
		if err != nil {
			return nil, fmt.Errorf("transcription: create pool handle: %w", err)
		}
		p.nextID++
		p.available = append(p.available, &Conn{id: p.nextID, client: client, healthy: true})
	}

	p.wg.Add(1)
	go p.healthLoop()

	slog.Info("transcription pool ready", "size", p.size)
	return p, nil
}

// Acquire checks out a healthy handle. When none is available it waits for
// a release or replacement up to the acquire timeout and then fails with
// [ErrPoolExhausted]. Unhealthy handles found on the way are retired.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for len(p.available) > 0 {
			c := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			if !c.healthy {
				p.retireLocked(c)
				continue
			}
			p.active[c] = struct{}{}
			elapsed := time.Since(start)
			p.acquires++
			p.acquireLatency += elapsed
			p.mu.Unlock()

			p.metrics.PoolAcquireDuration.Record(ctx, elapsed.Seconds())
			p.metrics.PoolActive.Add(ctx, 1)
			return c, nil
		}
		ready := p.ready
		p.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			p.mu.Lock()
			p.exhaustions++
			p.mu.Unlock()
			p.metrics.PoolExhaustions.Add(ctx, 1)
			return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, p.acquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Release returns c to the pool. A handle marked unhealthy, either by the
// caller through [Pool.MarkUnhealthy] or by the health loop, is retired and
// replaced asynchronously.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, c)
	switch {
	case p.closed:
	case !c.healthy:
		p.retireLocked(c)
	default:
		p.available = append(p.available, c)
		p.signalLocked()
	}
	p.mu.Unlock()
	p.metrics.PoolActive.Add(context.Background(), -1)
}

// MarkUnhealthy flags c so that it is retired on release.
func (p *Pool) MarkUnhealthy(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.healthy = false
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		Size:         p.size,
		Available:    len(p.available),
		Active:       len(p.active),
		Replacing:    p.replacing,
		Acquires:     p.acquires,
		Exhaustions:  p.exhaustions,
		Replacements: p.replacements,
	}
	if p.acquires > 0 {
		s.AvgAcquireLatency = p.acquireLatency / time.Duration(p.acquires)
	}
	return s
}

// Ping reports an error when the pool is closed or has no handle that is
// available or checked out.
func (p *Pool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if len(p.available)+len(p.active) == 0 {
		return fmt.Errorf("transcription: no live handles (%d replacing)", p.replacing)
	}
	return nil
}

// Close stops the health loop and pending replacements and wakes every
// waiting [Pool.Acquire]. Handles still checked out are dropped on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.available = nil
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// signalLocked wakes all waiters. p.mu must be held.
func (p *Pool) signalLocked() {
	close(p.ready)
	p.ready = make(chan struct{})
}

// retireLocked drops c and schedules a replacement. p.mu must be held.
func (p *Pool) retireLocked(c *Conn) {
	slog.Warn("retiring unhealthy transcription handle", "id", c.id, "ping_failures", c.pingFails)
	if p.closed {
		return
	}
	p.replacing++
	p.wg.Add(1)
	go p.replace()
}

// replace creates a new handle, backing off while the factory fails.
func (p *Pool) replace() {
	defer p.wg.Done()

	backoff := time.Second
	for {
		client, err := p.factory()
		if err == nil {
			p.mu.Lock()
			p.replacing--
			if !p.closed {
				p.nextID++
				p.available = append(p.available, &Conn{id: p.nextID, client: client, healthy: true})
				p.replacements++
				p.signalLocked()
			}
			p.mu.Unlock()
			return
		}

		slog.Warn("transcription handle replacement failed", "error", err, "retry_in", backoff)
		select {
		case <-p.done:
			p.mu.Lock()
			p.replacing--
			p.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReplaceBackoff)
	}
}

// healthLoop pings every handle each health interval until Close.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth pings all live handles. A handle failing maxPingFails
// consecutive pings is marked unhealthy; idle ones are retired at once,
// checked-out ones on release.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.available)+len(p.active))
	conns = append(conns, p.available...)
	for c := range p.active {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := c.client.Ping(ctx)
		cancel()

		p.mu.Lock()
		if err == nil {
			c.pingFails = 0
			p.mu.Unlock()
			continue
		}
		c.pingFails++
		slog.Debug("transcription handle ping failed", "id", c.id, "failures", c.pingFails, "error", err)
		if c.pingFails >= p.maxPingFails && c.healthy {
			c.healthy = false
			if i := indexOf(p.available, c); i >= 0 {
				p.available = append(p.available[:i], p.available[i+1:]...)
				p.retireLocked(c)
			}
		}
		p.mu.Unlock()
	}
}

func indexOf(conns []*Conn, c *Conn) int {
	for i, x := range conns {
		if x == c {
			return i
		}
	}
	return -1
}
