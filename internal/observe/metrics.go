// Package observe wires OpenTelemetry into voicecmd: metric instruments,
// spans with correlation IDs, trace-aware logging and the ops server
// middleware.
//
// [InitProvider] installs the global providers and exposes metrics through
// the Prometheus registry served at /metrics. Components take a [*Metrics],
// normally [DefaultMetrics]; tests build their own with [NewMetrics] over a
// manual reader.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voicecmd"

// Metrics holds the OpenTelemetry instruments of the service. The OTel types
// synchronise internally, so a *Metrics is shared freely.
type Metrics struct {
	// Latency histograms, in seconds.
	TranscriptionDuration metric.Float64Histogram // transcription service, cache and retries included
	ParseDuration         metric.Float64Histogram
	PipelineDuration      metric.Float64Histogram // by "status"
	StageDuration         metric.Float64Histogram // by "stage"
	PoolAcquireDuration   metric.Float64Histogram
	ContextBuildDuration  metric.Float64Histogram
	HTTPRequestDuration   metric.Float64Histogram // by "method" and "path"

	// Counters.
	ProviderRequests   metric.Int64Counter // by "provider", "kind", "status"
	ProviderErrors     metric.Int64Counter // by "provider", "kind"
	CacheLookups       metric.Int64Counter // by "cache", "result"
	Commands           metric.Int64Counter // by "status"
	EventsDropped      metric.Int64Counter
	PoolExhaustions    metric.Int64Counter
	BreakerTransitions metric.Int64Counter // by "breaker", "state"

	// Gauges.
	ActiveCommands metric.Int64UpDownCounter
	PoolActive     metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds, spanning a cached
// lookup up to a slow model completion.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15,
}

// NewMetrics creates every instrument on a meter of mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.TranscriptionDuration, "voicecmd.transcription.duration", "Latency of the transcription service."},
		{&met.ParseDuration, "voicecmd.parse.duration", "Latency of command parsing."},
		{&met.PipelineDuration, "voicecmd.pipeline.duration", "End-to-end voice-command pipeline latency by status."},
		{&met.StageDuration, "voicecmd.pipeline.stage.duration", "Latency of individual pipeline stages."},
		{&met.PoolAcquireDuration, "voicecmd.pool.acquire.duration", "Time spent waiting for a pooled transcription client."},
		{&met.ContextBuildDuration, "voicecmd.context.build.duration", "Latency of organization context snapshot builds."},
		{&met.HTTPRequestDuration, "voicecmd.http.request.duration", "Ops server request latency by method and route."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, fmt.Errorf("observe: histogram %s: %w", h.name, err)
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "voicecmd.provider.requests", "Provider API requests by provider, kind and status."},
		{&met.ProviderErrors, "voicecmd.provider.errors", "Provider errors by provider and kind."},
		{&met.CacheLookups, "voicecmd.cache.lookups", "Cache lookups by cache and result."},
		{&met.Commands, "voicecmd.commands", "Voice-command pipeline runs by status."},
		{&met.EventsDropped, "voicecmd.events.dropped", "Lifecycle events dropped for slow subscribers."},
		{&met.PoolExhaustions, "voicecmd.pool.exhaustions", "Pool acquisitions that timed out."},
		{&met.BreakerTransitions, "voicecmd.breaker.transitions", "Circuit breaker state changes by breaker and new state."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("observe: counter %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	if met.ActiveCommands, err = m.Int64UpDownCounter("voicecmd.active_commands",
		metric.WithDescription("Pipeline runs in flight.")); err != nil {
		return nil, fmt.Errorf("observe: gauge voicecmd.active_commands: %w", err)
	}
	if met.PoolActive, err = m.Int64UpDownCounter("voicecmd.pool.active",
		metric.WithDescription("Pooled transcription clients checked out.")); err != nil {
		return nil, fmt.Errorf("observe: gauge voicecmd.pool.active: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created on first use from
// the global meter provider. Install the provider with [InitProvider] before
// the first call. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one call to a provider endpoint.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records a cache hit or miss for the named cache.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", result),
		),
	)
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordCommand records a finished pipeline run.
func (m *Metrics) RecordCommand(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Commands.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
