package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/resilience"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/types"
)

const (
	// DefaultMinBytes and DefaultMaxBytes bound accepted audio buffers.
	DefaultMinBytes = 1024
	DefaultMaxBytes = 25 << 20

	// defaultConfidence is used when the endpoint reports no segments.
	defaultConfidence = 0.9

	// shortTranscriptWords is the word count below which confidence is
	// penalised by shortTranscriptPenalty.
	shortTranscriptWords   = 3
	shortTranscriptPenalty = 0.8
)

// Config holds the service tuning knobs. Zero fields take the defaults
// listed per field.
type Config struct {
	// MinBytes and MaxBytes bound the audio size. Defaults: 1KB and 25MB.
	MinBytes int
	MaxBytes int

	// Timeout is the hard limit of a single endpoint call. Default: 15s.
	Timeout time.Duration

	// MaxRetries is the retry budget for rate-limit and timeout failures.
	// Default: 2. Negative disables retries.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay. Default: 500ms.
	RetryBaseDelay time.Duration

	// CacheThreshold is the minimum confidence of a cached result.
	// Default: 0.5.
	CacheThreshold float64

	// BatchConcurrency and BatchDelay pace TranscribeBatch. Defaults: 3
	// and 100ms.
	BatchConcurrency int
	BatchDelay       time.Duration

	// StreamFlush is the amount of audio TranscribeStream accumulates
	// before each call. Default: 2s.
	StreamFlush time.Duration

	// RequestsPerSecond throttles endpoint calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	// Provider labels metrics. Default: "stt".
	Provider string
}

func (c *Config) applyDefaults() {
	if c.MinBytes <= 0 {
		c.MinBytes = DefaultMinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.CacheThreshold <= 0 {
		c.CacheThreshold = 0.5
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 3
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	if c.StreamFlush <= 0 {
		c.StreamFlush = 2 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Provider == "" {
		c.Provider = "stt"
	}
}

// ServiceOption is a functional option for [NewService].
type ServiceOption func(*Service)

// WithCache enables result caching.
func WithCache(c *Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithBreaker replaces the default circuit breaker around the endpoint.
func WithBreaker(cb *resilience.CircuitBreaker) ServiceOption {
	return func(s *Service) {
		if cb != nil {
			s.breaker = cb
		}
	}
}

// WithServiceMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithServiceMetrics(m *observe.Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Service transcribes audio through a [Pool], an optional [Cache], a
// circuit breaker and a retry policy.
type Service struct {
	pool    *Pool
	cache   *Cache
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	retry   resilience.RetryPolicy
	metrics *observe.Metrics
	cfg     Config
}

// NewService creates a Service drawing clients from pool.
func NewService(pool *Pool, cfg Config, opts ...ServiceOption) *Service {
	cfg.applyDefaults()
	s := &Service{
		pool:    pool,
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
		retry: resilience.RetryPolicy{
			Name:       "transcription",
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			Retryable:  isTransient,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "transcription",
			IsFailure:     isEndpointFailure,
			OnStateChange: s.breakerChanged,
		})
	}
	return s
}

func (s *Service) breakerChanged(name string, from, to resilience.State) {
	level := slog.LevelInfo
	if to == resilience.StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "transcription endpoint circuit changed",
		"breaker", name, "from", from.String(), "to", to.String())
	s.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, stt.ErrRateLimited) || errors.Is(err, stt.ErrTimeout)
}

// isEndpointFailure decides which errors count against the breaker. Pool
// exhaustion and caller cancellation say nothing about the endpoint.
func isEndpointFailure(err error) bool {
	switch {
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolClosed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Validate checks the audio size bounds.
func (s *Service) Validate(data []byte) error {
	switch {
	case len(data) == 0:
		return apperr.New(apperr.KindValidation, "transcription.validate", "audio is empty")
	case len(data) < s.cfg.MinBytes:
		return apperr.New(apperr.KindValidation, "transcription.validate",
			fmt.Sprintf("audio too small: %d bytes (minimum %d)", len(data), s.cfg.MinBytes))
	case len(data) > s.cfg.MaxBytes:
		return apperr.New(apperr.KindValidation, "transcription.validate",
			fmt.Sprintf("audio too large: %d bytes (maximum %d)", len(data), s.cfg.MaxBytes))
	}
	return nil
}

// optionsFor fills the audio description and hints of seg into opts.
func optionsFor(seg *types.AudioSegment, opts stt.Options) stt.Options {
	if opts.Language == "" {
		opts.Language = seg.LanguageHint
	}
	if opts.Prompt == "" {
		opts.Prompt = seg.ContextHint
	}
	opts.Encoding = seg.Encoding
	opts.SampleRate = seg.SampleRate
	opts.Channels = seg.Channels
	return opts
}

// Transcribe converts seg into a transcript. Results are served from the
// cache when possible; otherwise a pooled client is called with a hard
// timeout, retrying rate-limit and timeout failures. Results at or above
// the cache threshold are cached.
func (s *Service) Transcribe(ctx context.Context, seg *types.AudioSegment, opts stt.Options) (*types.TranscriptResult, error) {
	start := time.Now()
	if seg == nil {
		return nil, apperr.New(apperr.KindValidation, "transcription.transcribe", "audio segment is nil")
	}
	if err := s.Validate(seg.Data); err != nil {
		return nil, err
	}
	opts = optionsFor(seg, opts)

	var key string
	if s.cache != nil {
		key = Key(seg.Data, opts)
		if res, ok := s.cache.Get(ctx, key); ok {
			res.ProcessingTime = time.Since(start)
			s.metrics.TranscriptionDuration.Record(ctx, res.ProcessingTime.Seconds())
			return res, nil
		}
	}

	resp, err := resilience.Retry(ctx, s.retry, func(ctx context.Context) (*stt.Response, error) {
		return s.call(ctx, seg.Data, opts)
	})
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.cfg.Provider, "stt", "error")
		s.metrics.RecordProviderError(ctx, s.cfg.Provider, "stt")
		return nil, classify(err).WithElapsed(time.Since(start))
	}
	s.metrics.RecordProviderRequest(ctx, s.cfg.Provider, "stt", "ok")

	text := strings.TrimSpace(resp.Text)
	res := &types.TranscriptResult{
		Text:           text,
		Confidence:     Confidence(text, resp.Segments),
		Language:       resp.Language,
		Segments:       resp.Segments,
		ProcessingTime: time.Since(start),
	}
	if res.Language == "" {
		res.Language = opts.Language
	}

	if s.cache != nil && res.Confidence >= s.cfg.CacheThreshold {
		s.cache.Set(ctx, key, res)
	}
	s.metrics.TranscriptionDuration.Record(ctx, res.ProcessingTime.Seconds())
	slog.Debug("transcribed audio",
		"bytes", len(seg.Data),
		"confidence", res.Confidence,
		"latency", res.ProcessingTime,
	)
	return res, nil
}

// call performs one endpoint request on a pooled client. The client is
// always released, also on failure.
func (s *Service) call(ctx context.Context, data []byte, opts stt.Options) (*stt.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var resp *stt.Response
	err := s.breaker.Execute(func() error {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer s.pool.Release(conn)

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		resp, err = conn.Transcriber().Transcribe(callCtx, data, opts)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, stt.ErrTimeout) {
			err = fmt.Errorf("%w: %w", stt.ErrTimeout, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("transcription: endpoint returned no response")
	}
	return resp, nil
}

// classify maps a call failure onto the error taxonomy.
func classify(err error) *apperr.Error {
	const op = "transcription.transcribe"
	switch {
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolClosed):
		return apperr.Wrap(apperr.KindResourceExhausted, op, err)
	case isTransient(err):
		return apperr.Wrap(apperr.KindTransient, op, err)
	default:
		return apperr.Wrap(apperr.KindUpstream, op, err)
	}
}

// Confidence scores a transcript: the mean segment confidence (or 0.9 when
// there are no segments), times 0.8 for transcripts under three words, and
// 0 for empty text.
func Confidence(text string, segments []types.TranscriptSegment) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	c := defaultConfidence
	if len(segments) > 0 {
		var sum float64
		for _, seg := range segments {
			sum += seg.Confidence
		}
		c = sum / float64(len(segments))
	}
	if words < shortTranscriptWords {
		c *= shortTranscriptPenalty
	}
	return types.ClampConfidence(c)
}

// TranscribeBatch transcribes segs with bounded concurrency and pacing
// between groups. The result slice has one entry per input, in input
// order; failed items carry zero confidence and Err.
func (s *Service) TranscribeBatch(ctx context.Context, segs []types.AudioSegment, opts stt.Options) []*types.TranscriptResult {
	out := resilience.PacedBatch(ctx, segs, s.cfg.BatchConcurrency, s.cfg.BatchDelay,
		func(ctx context.Context, i int, seg types.AudioSegment) *types.TranscriptResult {
			res, err := s.Transcribe(ctx, &seg, opts)
			if err != nil {
				slog.Warn("batch transcription item failed", "index", i, "error", err)
				return &types.TranscriptResult{Err: err}
			}
			return res
		})
	for i, res := range out {
		if res == nil {
			err := ctx.Err()
			if err == nil {
				err = errors.New("transcription: batch item not processed")
			}
			out[i] = &types.TranscriptResult{Err: err}
		}
	}
	return out
}

// PoolStats returns the pool counters.
func (s *Service) PoolStats() PoolStats { return s.pool.Stats() }

// CacheStats returns the cache counters, or zero stats without a cache.
func (s *Service) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// BreakerState returns the endpoint circuit breaker state.
func (s *Service) BreakerState() resilience.State { return s.breaker.State() }

// Ping reports whether the pool has live handles and the breaker is not open.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return err
	}
	if s.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}
