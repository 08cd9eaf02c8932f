// Package events distributes pipeline lifecycle events to in-process
// subscribers and, optionally, to a Kafka topic.
//
// Publishing never blocks the pipeline: a subscriber whose buffer is full
// misses the event, and the drop is counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeValidated   Type = "validated"
	TypeTranscribed Type = "transcribed"
	TypeParsed      Type = "parsed"
	TypeExecuted    Type = "executed"
	TypeCompleted   Type = "completed"
	TypeFailed      Type = "failed"
)

// Event is one step in the life of a voice command.
type Event struct {
	Type      Type      `json:"type"`
	CommandID uint64    `json:"command_id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Duration is the time spent in the stage the event concludes, or the
	// whole run for completed and failed events.
	Duration time.Duration `json:"duration"`

	Confidence float64 `json:"confidence,omitempty"`
	Transcript string  `json:"transcript,omitempty"`

	// Command is set on parsed, executed and completed events.
	Command *types.ParsedCommand `json:"command,omitempty"`

	// Error is set on failed events.
	Error string `json:"error,omitempty"`
}

// Subscription receives events from a [Bus].
type Subscription struct {
	// C delivers events in publish order. It is closed by Unsubscribe and
	// by [Bus.Close].
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Unsubscribe stops delivery and closes C. It is safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// BusOption is a functional option for [NewBus].
type BusOption func(*Bus)

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// Bus is a non-blocking fan-out of [Event] values. It is safe for
// concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
	metrics *observe.Metrics
}

// NewBus returns an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]struct{}),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan Event, max(buffer, 1))
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every subscriber with buffer space and returns the
// number of subscribers that missed it. A zero Timestamp is set to now.
func (b *Bus) Publish(ctx context.Context, e Event) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	missed := 0
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropped.Add(int64(missed))
		b.metrics.EventsDropped.Add(ctx, int64(missed),
			metric.WithAttributes(attribute.String("type", string(e.Type))))
	}
	return missed
}

// Dropped returns the total number of missed deliveries.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}
