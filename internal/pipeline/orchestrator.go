// Package pipeline sequences the voice-command stages: audio validation,
// transcription and parsing, optionally followed by hand-off to an external
// executor.
//
// Every run is attributed to a monotonically increasing command ID, timed
// per stage and recorded in a bounded history that backs [Orchestrator.Health]
// and [Orchestrator.Performance]. Lifecycle events are published on an
// optional [events.Bus].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/events"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/transcription"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// Audio size bounds accepted by [ValidateAudioInput].
const (
	MinAudioBytes = 1024
	MaxAudioBytes = 50 * 1024 * 1024
)

// Stage names used in metrics records, spans and stage metrics.
const (
	StageValidation    = "validation"
	StageTranscription = "transcription"
	StageParsing       = "parsing"
	StageExecution     = "execution"
)

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg *types.AudioSegment, opts stt.Options) (*types.TranscriptResult, error)
	TranscribeStream(ctx context.Context, seg types.AudioSegment, chunks iter.Seq[[]byte], opts stt.Options) iter.Seq[transcription.StreamResult]
}

// Parser turns a transcript into a structured command.
type Parser interface {
	Parse(ctx context.Context, transcript string, uc types.UserContext) (*types.ParsedCommand, error)
}

// ExecutionResult is what an [Executor] reports back.
type ExecutionResult struct {
	Success         bool   `json:"success"`
	ActionsExecuted int    `json:"actions_executed"`
	RolledBack      bool   `json:"rolled_back"`
	Message         string `json:"message,omitempty"`
}

// Executor applies a finished command to the organization.
type Executor interface {
	Execute(ctx context.Context, cmd *types.ParsedCommand) (*ExecutionResult, error)
}

// statsReporter is implemented by [transcription.Service].
type statsReporter interface {
	PoolStats() transcription.PoolStats
	CacheStats() transcription.CacheStats
}

var _ Transcriber = (*transcription.Service)(nil)
var _ statsReporter = (*transcription.Service)(nil)

// Config holds the orchestrator tuning knobs. Zero fields take the defaults
// listed per field.
type Config struct {
	// SimpleThreshold is the total latency above which commands with at
	// most two actions are logged as slow. Default: 2s.
	SimpleThreshold time.Duration

	// ComplexThreshold is the same for commands with more actions.
	// Default: 5s.
	ComplexThreshold time.Duration

	// HistorySize is the number of runs kept for health and performance
	// reports. Default: 1000.
	HistorySize int

	// Transcription is passed to every transcription call.
	Transcription stt.Options
}

func (c *Config) applyDefaults() {
	if c.SimpleThreshold <= 0 {
		c.SimpleThreshold = 2 * time.Second
	}
	if c.ComplexThreshold <= 0 {
		c.ComplexThreshold = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithExecutor sets the executor used by
// [Orchestrator.ProcessAndExecuteVoiceCommand].
func WithExecutor(e Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs voice commands through the pipeline. It is safe for
// concurrent use; concurrent runs are independent.
type Orchestrator struct {
	transcriber Transcriber
	parser      Parser
	executor    Executor
	bus         *events.Bus
	cfg         Config
	metrics     *observe.Metrics
	now         func() time.Time

	nextID atomic.Uint64
	active atomic.Int64

	mu      sync.Mutex
	history *ring
}

// New creates an Orchestrator.
func New(t Transcriber, p Parser, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		transcriber: t,
		parser:      p,
		cfg:         cfg,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.history = newRing(cfg.HistorySize)
	return o
}

// Result is the outcome of one pipeline run. On failure it carries whatever
// the completed stages produced.
type Result struct {
	CommandID  uint64                  `json:"command_id"`
	Transcript *types.TranscriptResult `json:"transcript,omitempty"`
	Command    *types.ParsedCommand    `json:"command,omitempty"`
	Execution  *ExecutionResult        `json:"execution,omitempty"`
	Metrics    Metrics                 `json:"metrics"`
}

// ValidateAudioInput checks the audio size bounds and the ownership
// metadata of seg.
func ValidateAudioInput(seg *types.AudioSegment) error {
	const op = "pipeline.validate"
	if seg == nil {
		return apperr.New(apperr.KindValidation, op, "audio segment is nil")
	}

	var problems []string
	switch n := len(seg.Data); {
	case n == 0:
		problems = append(problems, "audio is empty")
	case n < MinAudioBytes:
		problems = append(problems, fmt.Sprintf("audio too small: %d bytes (minimum %d)", n, MinAudioBytes))
	case n > MaxAudioBytes:
		problems = append(problems, fmt.Sprintf("audio too large: %d bytes (maximum %d)", n, MaxAudioBytes))
	}
	if strings.TrimSpace(seg.UserID) == "" {
		problems = append(problems, "user ID is required")
	}
	if strings.TrimSpace(seg.SessionID) == "" {
		problems = append(problems, "session ID is required")
	}
	if seg.SampleRate < 0 {
		problems = append(problems, fmt.Sprintf("invalid sample rate %d", seg.SampleRate))
	}
	if seg.Channels < 0 {
		problems = append(problems, fmt.Sprintf("invalid channel count %d", seg.Channels))
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindValidation, op, strings.Join(problems, "; "))
	}
	return nil
}

// ProcessVoiceCommand validates, transcribes and parses seg on behalf of uc.
// The returned Result is never nil.
func (o *Orchestrator) ProcessVoiceCommand(ctx context.Context, seg *types.AudioSegment, uc types.UserContext) (*Result, error) {
	return o.run(ctx, seg, uc, nil)
}

// ProcessAndExecuteVoiceCommand is [Orchestrator.ProcessVoiceCommand]
// followed by hand-off of the command to the configured executor. Execution
// time and outcome are folded into the same metrics record.
func (o *Orchestrator) ProcessAndExecuteVoiceCommand(ctx context.Context, seg *types.AudioSegment, uc types.UserContext) (*Result, error) {
	if o.executor == nil {
		id := o.nextID.Add(1)
		err := apperr.New(apperr.KindValidation, "pipeline.execute", "no executor configured")
		res := &Result{CommandID: id, Metrics: Metrics{CommandID: id, UserID: uc.UserID, Start: o.now(), FailedStage: StageExecution, Error: err.Error()}}
		o.record(res.Metrics)
		return res, err
	}
	return o.run(ctx, seg, uc, o.executor)
}

func (o *Orchestrator) run(ctx context.Context, seg *types.AudioSegment, uc types.UserContext, exec Executor) (*Result, error) {
	id := o.nextID.Add(1)
	start := o.now()
	res := &Result{CommandID: id}
	m := &res.Metrics
	m.CommandID = id
	m.UserID = uc.UserID
	m.Start = start

	var failure error
	ctx, span := observe.StartSpan(ctx, "pipeline.process", observe.CommandAttrs(id, uc.UserID, uc.SessionID))
	defer func() { observe.EndSpan(span, failure) }()

	o.active.Add(1)
	o.metrics.ActiveCommands.Add(ctx, 1)
	defer func() {
		o.active.Add(-1)
		o.metrics.ActiveCommands.Add(ctx, -1)
	}()

	base := events.Event{CommandID: id, UserID: uc.UserID, SessionID: uc.SessionID}
	if seg != nil && base.SessionID == "" {
		base.SessionID = seg.SessionID
	}

	fail := func(stage string, err error) (*Result, error) {
		failure = err
		m.FailedStage = stage
		m.Error = err.Error()
		m.Total = o.now().Sub(start)
		o.record(*m)
		o.metrics.RecordCommand(ctx, "failure", m.Total)

		ev := base
		ev.Type = events.TypeFailed
		ev.Duration = m.Total
		ev.Error = err.Error()
		ev.Command = res.Command
		if res.Transcript != nil {
			ev.Transcript = res.Transcript.Text
		}
		o.publish(ctx, ev)

		observe.Logger(ctx).Warn("voice command failed",
			"command_id", id,
			"stage", stage,
			"elapsed", m.Total,
			"error", err,
		)
		return res, err
	}

	// Validation.
	t0 := o.now()
	err := ValidateAudioInput(seg)
	m.Validation = o.stage(ctx, StageValidation, t0)
	if err != nil {
		return fail(StageValidation, withRequest(ctx, err))
	}
	ev := base
	ev.Type = events.TypeValidated
	ev.Duration = m.Validation
	o.publish(ctx, ev)

	// Transcription.
	t0 = o.now()
	tctx, tspan := observe.StartSpan(ctx, "pipeline.transcribe")
	tr, err := o.transcriber.Transcribe(tctx, seg, o.cfg.Transcription)
	observe.EndSpan(tspan, err)
	m.Transcription = o.stage(ctx, StageTranscription, t0)
	if err != nil {
		return fail(StageTranscription, withRequest(ctx, err))
	}
	res.Transcript = tr
	m.TranscriptionConfidence = tr.Confidence
	ev = base
	ev.Type = events.TypeTranscribed
	ev.Duration = m.Transcription
	ev.Confidence = tr.Confidence
	ev.Transcript = tr.Text
	o.publish(ctx, ev)

	// Parsing.
	t0 = o.now()
	pctx, pspan := observe.StartSpan(ctx, "pipeline.parse")
	cmd, err := o.parser.Parse(pctx, tr.Text, uc)
	observe.EndSpan(pspan, err)
	m.Parsing = o.stage(ctx, StageParsing, t0)
	if err != nil {
		return fail(StageParsing, withRequest(ctx, err))
	}
	m.ParsingConfidence = cmd.Confidence
	m.Actions = len(cmd.Actions)
	m.Accuracy = min(tr.Confidence, cmd.Confidence)
	cmd.Confidence = types.ClampConfidence(m.Accuracy)
	res.Command = cmd
	ev = base
	ev.Type = events.TypeParsed
	ev.Duration = m.Parsing
	ev.Confidence = cmd.Confidence
	ev.Transcript = tr.Text
	ev.Command = cmd
	o.publish(ctx, ev)

	// Execution.
	if exec != nil {
		t0 = o.now()
		ectx, espan := observe.StartSpan(ctx, "pipeline.execute")
		out, err := exec.Execute(ectx, cmd)
		observe.EndSpan(espan, err)
		m.Execution = o.stage(ctx, StageExecution, t0)
		res.Execution = out
		if err == nil && out != nil && !out.Success {
			err = fmt.Errorf("pipeline: execution unsuccessful: %s", out.Message)
		}
		if err != nil {
			return fail(StageExecution, err)
		}
		ev = base
		ev.Type = events.TypeExecuted
		ev.Duration = m.Execution
		ev.Command = cmd
		o.publish(ctx, ev)
	}

	m.Success = true
	m.Total = o.now().Sub(start)
	o.record(*m)
	o.metrics.RecordCommand(ctx, "success", m.Total)

	ev = base
	ev.Type = events.TypeCompleted
	ev.Duration = m.Total
	ev.Confidence = m.Accuracy
	ev.Transcript = tr.Text
	ev.Command = cmd
	o.publish(ctx, ev)

	o.warnIfSlow(ctx, *m)
	observe.Logger(ctx).Info("voice command processed",
		"command_id", id,
		"intent", cmd.Intent,
		"actions", m.Actions,
		"accuracy", m.Accuracy,
		"elapsed", m.Total,
	)
	return res, nil
}

// stage records the duration of a stage that began at t0.
func (o *Orchestrator) stage(ctx context.Context, name string, t0 time.Time) time.Duration {
	d := o.now().Sub(t0)
	o.metrics.RecordStage(ctx, name, d)
	return d
}

func (o *Orchestrator) warnIfSlow(ctx context.Context, m Metrics) {
	threshold, kind := o.cfg.SimpleThreshold, "simple"
	if m.Actions > 2 {
		threshold, kind = o.cfg.ComplexThreshold, "complex"
	}
	if m.Total > threshold {
		observe.Logger(ctx).Warn("slow voice command",
			"command_id", m.CommandID,
			"kind", kind,
			"actions", m.Actions,
			"elapsed", m.Total,
			"threshold", threshold,
			"transcription", m.Transcription,
			"parsing", m.Parsing,
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if o.bus == nil {
		return
	}
	e.Timestamp = o.now()
	o.bus.Publish(ctx, e)
}

// withRequest attaches the correlation ID of ctx to domain errors that do
// not carry one yet.
func withRequest(ctx context.Context, err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.RequestID != "" {
		return err
	}
	if id := observe.CorrelationID(ctx); id != "" {
		ae.WithRequest(id)
	}
	return err
}
