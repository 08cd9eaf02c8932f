package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/events"
	"github.com/MrWong99/voicecmd/internal/health"
	"github.com/MrWong99/voicecmd/internal/transcription"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/types"
)

// mockTranscriber returns a fixed result and records calls.
type mockTranscriber struct {
	mu     sync.Mutex
	calls  int
	result *types.TranscriptResult
	err    error
	stream []transcription.StreamResult
}

func (m *mockTranscriber) Transcribe(_ context.Context, _ *types.AudioSegment, _ stt.Options) (*types.TranscriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	res := *m.result
	return &res, nil
}

func (m *mockTranscriber) TranscribeStream(_ context.Context, _ types.AudioSegment, _ iter.Seq[[]byte], _ stt.Options) iter.Seq[transcription.StreamResult] {
	return func(yield func(transcription.StreamResult) bool) {
		for _, r := range m.stream {
			if !yield(r) {
				return
			}
		}
	}
}

func (m *mockTranscriber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// statsTranscriber additionally reports pool and cache statistics.
type statsTranscriber struct {
	mockTranscriber
}

func (s *statsTranscriber) PoolStats() transcription.PoolStats {
	return transcription.PoolStats{Size: 5, Available: 4, Active: 1}
}

func (s *statsTranscriber) CacheStats() transcription.CacheStats {
	return transcription.CacheStats{Hits: 3, Misses: 1, HitRate: 0.75}
}

// mockParser builds a command from the transcript and records inputs.
type mockParser struct {
	mu          sync.Mutex
	transcripts []string
	confidence  float64
	actions     int
	err         error
	errOn       string
}

func (m *mockParser) Parse(_ context.Context, transcript string, uc types.UserContext) (*types.ParsedCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts = append(m.transcripts, transcript)
	if m.err != nil && (m.errOn == "" || strings.Contains(transcript, m.errOn)) {
		return nil, m.err
	}
	cmd := &types.ParsedCommand{
		ID:                 "cmd",
		UserID:             uc.UserID,
		OriginalTranscript: transcript,
		Intent:             "create_task",
		Confidence:         m.confidence,
		Entities:           types.NewResolvedEntities(),
	}
	for i := range max(m.actions, 1) {
		cmd.Actions = append(cmd.Actions, types.CommandAction{
			Type:       types.ActionCreateTask,
			Parameters: map[string]any{"title": "Launch Plan"},
			Priority:   i + 1,
			Order:      i,
		})
	}
	return cmd, nil
}

func (m *mockParser) inputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transcripts...)
}

// mockExecutor returns a fixed outcome.
type mockExecutor struct {
	mu     sync.Mutex
	got    []*types.ParsedCommand
	result *ExecutionResult
	err    error
}

func (m *mockExecutor) Execute(_ context.Context, cmd *types.ParsedCommand) (*ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, cmd)
	return m.result, m.err
}

var testUser = types.UserContext{UserID: "u-1", OrganizationID: "org-1", SessionID: "s-1"}

func testSegment(n int) *types.AudioSegment {
	return &types.AudioSegment{
		Data:       make([]byte, n),
		SampleRate: 16000,
		Channels:   1,
		Encoding:   "pcm_s16le",
		UserID:     "u-1",
		SessionID:  "s-1",
	}
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func equalTypes(a, b []events.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestValidateAudioInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		seg     func() *types.AudioSegment
		wantErr string
	}{
		{"minimum size", func() *types.AudioSegment { return testSegment(MinAudioBytes) }, ""},
		{"maximum size", func() *types.AudioSegment { return testSegment(MaxAudioBytes) }, ""},
		{"unknown format metadata", func() *types.AudioSegment {
			s := testSegment(4096)
			s.SampleRate, s.Channels = 0, 0
			return s
		}, ""},
		{"nil", func() *types.AudioSegment { return nil }, "nil"},
		{"empty", func() *types.AudioSegment { return testSegment(0) }, "empty"},
		{"below minimum", func() *types.AudioSegment { return testSegment(MinAudioBytes - 1) }, "too small"},
		{"above maximum", func() *types.AudioSegment { return testSegment(MaxAudioBytes + 1) }, "too large"},
		{"missing user", func() *types.AudioSegment {
			s := testSegment(4096)
			s.UserID = " "
			return s
		}, "user ID"},
		{"missing session", func() *types.AudioSegment {
			s := testSegment(4096)
			s.SessionID = ""
			return s
		}, "session ID"},
		{"negative sample rate", func() *types.AudioSegment {
			s := testSegment(4096)
			s.SampleRate = -1
			return s
		}, "sample rate"},
		{"negative channels", func() *types.AudioSegment {
			s := testSegment(4096)
			s.Channels = -2
			return s
		}, "channel count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateAudioInput(tt.seg())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, apperr.Validation) {
				t.Errorf("error kind = %v, want validation", apperr.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestProcessVoiceCommand_Success(t *testing.T) {
	t.Parallel()

	tr := &mockTranscriber{result: &types.TranscriptResult{Text: "Create a task called Launch Plan", Confidence: 0.85, Language: "en"}}
	p := &mockParser{confidence: 0.95}
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	o := New(tr, p, Config{}, WithEvents(bus))

	res, err := o.ProcessVoiceCommand(context.Background(), testSegment(4096), testUser)
	if err != nil {
		t.Fatalf("ProcessVoiceCommand: %v", err)
	}
	if res.CommandID != 1 {
		t.Errorf("CommandID = %d, want 1", res.CommandID)
	}
	if got := p.inputs(); len(got) != 1 || got[0] != "Create a task called Launch Plan" {
		t.Errorf("parser inputs = %q", got)
	}
	if res.Command.Confidence != 0.85 || res.Metrics.Accuracy != 0.85 {
		t.Errorf("confidence = %v, accuracy = %v, want the lower stage confidence 0.85",
			res.Command.Confidence, res.Metrics.Accuracy)
	}
	m := res.Metrics
	if !m.Success || m.FailedStage != "" || m.Actions != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.TranscriptionConfidence != 0.85 || m.ParsingConfidence != 0.95 {
		t.Errorf("stage confidences = %v / %v", m.TranscriptionConfidence, m.ParsingConfidence)
	}
	if m.Total < m.Validation+m.Transcription+m.Parsing {
		t.Errorf("total %s below sum of stages", m.Total)
	}

	evs := drain(sub)
	want := []events.Type{events.TypeValidated, events.TypeTranscribed, events.TypeParsed, events.TypeCompleted}
	if !equalTypes(eventTypes(evs), want) {
		t.Fatalf("events = %v, want %v", eventTypes(evs), want)
	}
	for _, e := range evs {
		if e.CommandID != 1 || e.UserID != "u-1" || e.SessionID != "s-1" {
			t.Errorf("event %s = %+v", e.Type, e)
		}
	}
	if evs[3].Command == nil || evs[3].Confidence != 0.85 {
		t.Errorf("completed event = %+v", evs[3])
	}

	res2, err := o.ProcessVoiceCommand(context.Background(), testSegment(4096), testUser)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2.CommandID != 2 {
		t.Errorf("second CommandID = %d, want 2", res2.CommandID)
	}
	if h := o.History(); len(h) != 2 || h[0].CommandID != 1 || h[1].CommandID != 2 {
		t.Errorf("history = %+v", h)
	}
}

func TestProcessVoiceCommand_Failures(t *testing.T) {
	t.Parallel()

	transient := apperr.New(apperr.KindTransient, "transcription.transcribe", "rate limited")
	malformed := apperr.New(apperr.KindMalformedResponse, "parser.parse", "missing intent")

	tests := []struct {
		name           string
		seg            *types.AudioSegment
		trErr          error
		parseErr       error
		wantStage      string
		wantKind       error
		wantTranscript bool
		wantEvents     []events.Type
		wantTrCalls    int
	}{
		{
			name:        "validation",
			seg:         testSegment(10),
			wantStage:   StageValidation,
			wantKind:    apperr.Validation,
			wantEvents:  []events.Type{events.TypeFailed},
			wantTrCalls: 0,
		},
		{
			name:        "transcription",
			seg:         testSegment(4096),
			trErr:       transient,
			wantStage:   StageTranscription,
			wantKind:    apperr.Transient,
			wantEvents:  []events.Type{events.TypeValidated, events.TypeFailed},
			wantTrCalls: 1,
		},
		{
			name:           "parsing keeps the transcript",
			seg:            testSegment(4096),
			parseErr:       malformed,
			wantStage:      StageParsing,
			wantKind:       apperr.MalformedResponse,
			wantTranscript: true,
			wantEvents:     []events.Type{events.TypeValidated, events.TypeTranscribed, events.TypeFailed},
			wantTrCalls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := &mockTranscriber{result: &types.TranscriptResult{Text: "do the thing", Confidence: 0.9}, err: tt.trErr}
			p := &mockParser{confidence: 0.9, err: tt.parseErr}
			bus := events.NewBus()
			sub := bus.Subscribe(16)
			o := New(tr, p, Config{}, WithEvents(bus))

			res, err := o.ProcessVoiceCommand(context.Background(), tt.seg, testUser)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("err = %v, want kind %v", err, tt.wantKind)
			}
			if res == nil {
				t.Fatal("result is nil on failure")
			}
			if tr.callCount() != tt.wantTrCalls {
				t.Errorf("transcriber calls = %d, want %d", tr.callCount(), tt.wantTrCalls)
			}
			if (res.Transcript != nil) != tt.wantTranscript {
				t.Errorf("transcript = %+v, want present=%v", res.Transcript, tt.wantTranscript)
			}
			if res.Command != nil {
				t.Errorf("command = %+v, want nil", res.Command)
			}

			m := res.Metrics
			if m.Success || m.FailedStage != tt.wantStage || m.Error == "" {
				t.Errorf("metrics = %+v", m)
			}
			if h := o.History(); len(h) != 1 || h[0].Success {
				t.Errorf("history = %+v, want one failed record", h)
			}

			evs := drain(sub)
			if !equalTypes(eventTypes(evs), tt.wantEvents) {
				t.Errorf("events = %v, want %v", eventTypes(evs), tt.wantEvents)
			}
			last := evs[len(evs)-1]
			if last.Error == "" {
				t.Error("failed event has no error")
			}
			if tt.wantTranscript && last.Transcript != "do the thing" {
				t.Errorf("failed event transcript = %q", last.Transcript)
			}
		})
	}
}

func TestProcessAndExecuteVoiceCommand(t *testing.T) {
	t.Parallel()

	newOrch := func(exec Executor) (*Orchestrator, *events.Subscription) {
		tr := &mockTranscriber{result: &types.TranscriptResult{Text: "create a channel", Confidence: 0.9}}
		bus := events.NewBus()
		sub := bus.Subscribe(16)
		opts := []Option{WithEvents(bus)}
		if exec != nil {
			opts = append(opts, WithExecutor(exec))
		}
		return New(tr, &mockParser{confidence: 0.9}, Config{}, opts...), sub
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		exec := &mockExecutor{result: &ExecutionResult{Success: true, ActionsExecuted: 1}}
		o, sub := newOrch(exec)
		res, err := o.ProcessAndExecuteVoiceCommand(context.Background(), testSegment(4096), testUser)
		if err != nil {
			t.Fatalf("ProcessAndExecuteVoiceCommand: %v", err)
		}
		if len(exec.got) != 1 || exec.got[0] != res.Command {
			t.Errorf("executor received %v", exec.got)
		}
		if res.Execution == nil || res.Execution.ActionsExecuted != 1 {
			t.Errorf("execution = %+v", res.Execution)
		}
		want := []events.Type{events.TypeValidated, events.TypeTranscribed, events.TypeParsed, events.TypeExecuted, events.TypeCompleted}
		if got := eventTypes(drain(sub)); !equalTypes(got, want) {
			t.Errorf("events = %v, want %v", got, want)
		}
		if h := o.History(); len(h) != 1 || !h[0].Success {
			t.Errorf("history = %+v", h)
		}
	})

	t.Run("unsuccessful execution", func(t *testing.T) {
		t.Parallel()

		exec := &mockExecutor{result: &ExecutionResult{Success: false, RolledBack: true, Message: "channel exists"}}
		o, _ := newOrch(exec)
		res, err := o.ProcessAndExecuteVoiceCommand(context.Background(), testSegment(4096), testUser)
		if err == nil || !strings.Contains(err.Error(), "channel exists") {
			t.Fatalf("err = %v", err)
		}
		if res.Command == nil || res.Execution == nil || !res.Execution.RolledBack {
			t.Errorf("partial result = %+v", res)
		}
		if res.Metrics.FailedStage != StageExecution {
			t.Errorf("failed stage = %q", res.Metrics.FailedStage)
		}
	})

	t.Run("executor error", func(t *testing.T) {
		t.Parallel()

		exec := &mockExecutor{err: errors.New("db down")}
		o, _ := newOrch(exec)
		if _, err := o.ProcessAndExecuteVoiceCommand(context.Background(), testSegment(4096), testUser); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no executor", func(t *testing.T) {
		t.Parallel()

		o, _ := newOrch(nil)
		res, err := o.ProcessAndExecuteVoiceCommand(context.Background(), testSegment(4096), testUser)
		if !errors.Is(err, apperr.Validation) {
			t.Fatalf("err = %v", err)
		}
		if res.Metrics.Success || len(o.History()) != 1 {
			t.Errorf("metrics = %+v", res.Metrics)
		}
	})
}

func TestProcessVoiceCommand_ConcurrentIDs(t *testing.T) {
	t.Parallel()

	tr := &mockTranscriber{result: &types.TranscriptResult{Text: "hi there", Confidence: 0.9}}
	o := New(tr, &mockParser{confidence: 0.9}, Config{})

	const runs = 20
	ids := make(chan uint64, runs)
	var wg sync.WaitGroup
	for range runs {
		wg.Go(func() {
			res, _ := o.ProcessVoiceCommand(context.Background(), testSegment(2048), testUser)
			ids <- res.CommandID
		})
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		if seen[id] || id == 0 || id > runs {
			t.Errorf("duplicate or out-of-range ID %d", id)
		}
		seen[id] = true
	}
	if len(o.History()) != runs {
		t.Errorf("history = %d records, want %d", len(o.History()), runs)
	}
}

func TestProcessVoiceCommand_SlowCommandStillSucceeds(t *testing.T) {
	t.Parallel()

	// Every clock reading advances one second.
	var (
		mu  sync.Mutex
		cur = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}

	tr := &mockTranscriber{result: &types.TranscriptResult{Text: "a b c", Confidence: 0.9}}
	o := New(tr, &mockParser{confidence: 0.9, actions: 3}, Config{}, WithClock(clock))
	res, err := o.ProcessVoiceCommand(context.Background(), testSegment(2048), testUser)
	if err != nil {
		t.Fatalf("ProcessVoiceCommand: %v", err)
	}
	if res.Metrics.Total <= 5*time.Second {
		t.Errorf("total = %s, want a slow run", res.Metrics.Total)
	}
	if res.Metrics.Transcription != time.Second || res.Metrics.Parsing != time.Second {
		t.Errorf("stage timings = %s / %s", res.Metrics.Transcription, res.Metrics.Parsing)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	fill := func(o *Orchestrator, n, failures int, latency time.Duration) {
		for i := range n {
			o.record(Metrics{CommandID: uint64(i + 1), Success: i >= failures, Total: latency})
		}
	}

	tests := []struct {
		name     string
		setup    func(o *Orchestrator)
		want     Status
		wantRate float64
	}{
		{"empty history", func(*Orchestrator) {}, StatusHealthy, 1},
		{"all fast successes", func(o *Orchestrator) { fill(o, 100, 0, 100*time.Millisecond) }, StatusHealthy, 1},
		{"96 percent success", func(o *Orchestrator) { fill(o, 100, 4, time.Second) }, StatusHealthy, 0.96},
		{"90 percent success", func(o *Orchestrator) { fill(o, 100, 10, time.Second) }, StatusDegraded, 0.9},
		{"70 percent success", func(o *Orchestrator) { fill(o, 100, 30, time.Second) }, StatusUnhealthy, 0.7},
		{"slow p95", func(o *Orchestrator) { fill(o, 100, 0, 6*time.Second) }, StatusDegraded, 1},
		{"slow p99", func(o *Orchestrator) {
			fill(o, 98, 0, time.Second)
			o.record(Metrics{Success: true, Total: 12 * time.Second})
			o.record(Metrics{Success: true, Total: 12 * time.Second})
		}, StatusUnhealthy, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := New(&mockTranscriber{}, &mockParser{}, Config{})
			tt.setup(o)
			rep := o.Health()
			if rep.Status != tt.want {
				t.Errorf("status = %s, want %s (report %+v)", rep.Status, tt.want, rep)
			}
			if rep.SuccessRate != tt.wantRate {
				t.Errorf("success rate = %v, want %v", rep.SuccessRate, tt.wantRate)
			}
			if rep.Pool != nil || rep.Cache != nil {
				t.Error("stats reported for a transcriber without them")
			}
		})
	}
}

func TestHealth_TranscriberStats(t *testing.T) {
	t.Parallel()

	o := New(&statsTranscriber{}, &mockParser{}, Config{})
	rep := o.Health()
	if rep.Pool == nil || rep.Pool.Size != 5 || rep.Cache == nil || rep.Cache.HitRate != 0.75 {
		t.Errorf("report = %+v", rep)
	}
}

func TestChecker(t *testing.T) {
	t.Parallel()

	o := New(&mockTranscriber{}, &mockParser{}, Config{})
	c := o.Checker()
	if c.Name != "pipeline" {
		t.Errorf("name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("healthy pipeline: %v", err)
	}

	for range 10 {
		o.record(Metrics{Success: true, Total: 6 * time.Second})
	}
	err := c.Check(context.Background())
	if err == nil || !health.IsDegraded(err) {
		t.Errorf("degraded pipeline: %v", err)
	}

	for range 10 {
		o.record(Metrics{Success: false, Total: time.Second})
	}
	err = c.Check(context.Background())
	if err == nil || health.IsDegraded(err) {
		t.Errorf("unhealthy pipeline: %v", err)
	}
}

func TestPerformance(t *testing.T) {
	t.Parallel()

	o := New(&mockTranscriber{}, &mockParser{}, Config{})
	if p := o.Performance(); p.Total != 0 || p.P99 != 0 {
		t.Errorf("empty performance = %+v", p)
	}

	o.record(Metrics{Success: true, Validation: time.Millisecond, Transcription: 400 * time.Millisecond, Parsing: 600 * time.Millisecond, Total: time.Second, Accuracy: 0.8})
	o.record(Metrics{Success: true, Validation: time.Millisecond, Transcription: 800 * time.Millisecond, Parsing: 1200 * time.Millisecond, Execution: time.Second, Total: 3 * time.Second, Accuracy: 1})
	o.record(Metrics{FailedStage: StageTranscription, Validation: time.Millisecond, Transcription: 1200 * time.Millisecond, Total: 2 * time.Second})
	o.record(Metrics{FailedStage: StageValidation, Total: 2 * time.Second})

	p := o.Performance()
	if p.Total != 4 || p.Succeeded != 2 || p.Failed != 2 {
		t.Errorf("counts = %d/%d/%d", p.Total, p.Succeeded, p.Failed)
	}
	if p.FailuresByStage[StageTranscription] != 1 || p.FailuresByStage[StageValidation] != 1 {
		t.Errorf("failures by stage = %v", p.FailuresByStage)
	}
	if p.AvgTranscription != 800*time.Millisecond {
		t.Errorf("avg transcription = %s, want 800ms over the three runs that reached it", p.AvgTranscription)
	}
	if p.AvgParsing != 900*time.Millisecond {
		t.Errorf("avg parsing = %s", p.AvgParsing)
	}
	if p.AvgExecution != time.Second {
		t.Errorf("avg execution = %s", p.AvgExecution)
	}
	if p.AvgTotal != 2*time.Second {
		t.Errorf("avg total = %s", p.AvgTotal)
	}
	if p.AvgAccuracy != 0.9 {
		t.Errorf("avg accuracy = %v", p.AvgAccuracy)
	}
	if p.P50 != 2*time.Second || p.P95 != 3*time.Second || p.P99 != 3*time.Second {
		t.Errorf("percentiles = %s / %s / %s", p.P50, p.P95, p.P99)
	}
}

func TestHistory_Bounded(t *testing.T) {
	t.Parallel()

	o := New(&mockTranscriber{}, &mockParser{}, Config{HistorySize: 3})
	for i := range 5 {
		o.record(Metrics{CommandID: uint64(i + 1)})
	}
	h := o.History()
	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	for i, want := range []uint64{3, 4, 5} {
		if h[i].CommandID != want {
			t.Errorf("h[%d] = %d, want %d", i, h[i].CommandID, want)
		}
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.50, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{0, time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
	if percentile(nil, 0.5) != 0 {
		t.Error("percentile of empty slice != 0")
	}
}
