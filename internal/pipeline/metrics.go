package pipeline

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/voicecmd/internal/health"
	"github.com/MrWong99/voicecmd/internal/transcription"
)

// Metrics is the record of one pipeline run. A record is kept for failed
// runs too, with FailedStage and Error set.
type Metrics struct {
	CommandID uint64    `json:"command_id"`
	UserID    string    `json:"user_id,omitempty"`
	Start     time.Time `json:"start"`

	Validation    time.Duration `json:"validation"`
	Transcription time.Duration `json:"transcription"`
	Parsing       time.Duration `json:"parsing"`
	Execution     time.Duration `json:"execution,omitempty"`
	Total         time.Duration `json:"total"`

	TranscriptionConfidence float64 `json:"transcription_confidence"`
	ParsingConfidence       float64 `json:"parsing_confidence"`

	// Accuracy is the lowest confidence of the completed stages.
	Accuracy float64 `json:"accuracy"`

	Actions     int    `json:"actions"`
	Success     bool   `json:"success"`
	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ring keeps the most recent records in insertion order.
type ring struct {
	buf  []Metrics
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]Metrics, n)}
}

func (r *ring) add(m Metrics) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the records, oldest first.
func (r *ring) items() []Metrics {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	out := make([]Metrics, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (o *Orchestrator) record(m Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history.add(m)
}

// History returns the retained run records, oldest first.
func (o *Orchestrator) History() []Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.items()
}

// Status is the three-level health of the pipeline.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health thresholds over the retained history.
const (
	degradedSuccessRate  = 0.95
	unhealthySuccessRate = 0.80
	degradedP95          = 5 * time.Second
	unhealthyP99         = 10 * time.Second
)

// HealthReport is returned by [Orchestrator.Health].
type HealthReport struct {
	Status         Status        `json:"status"`
	Samples        int           `json:"samples"`
	SuccessRate    float64       `json:"success_rate"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
	ActiveCommands int64         `json:"active_commands"`

	// Pool and Cache are set when the transcriber reports them.
	Pool  *transcription.PoolStats  `json:"pool,omitempty"`
	Cache *transcription.CacheStats `json:"cache,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
}

// Health classifies the retained history. The pipeline is degraded when
// fewer than 95% of runs succeeded or p95 latency exceeds 5s, and unhealthy
// when fewer than 80% succeeded or p99 exceeds 10s. An empty history is
// healthy.
func (o *Orchestrator) Health() HealthReport {
	hist := o.History()
	rep := HealthReport{
		Status:         StatusHealthy,
		Samples:        len(hist),
		SuccessRate:    1,
		ActiveCommands: o.active.Load(),
		CheckedAt:      o.now(),
	}
	if sr, ok := o.transcriber.(statsReporter); ok {
		ps, cs := sr.PoolStats(), sr.CacheStats()
		rep.Pool, rep.Cache = &ps, &cs
	}
	if len(hist) == 0 {
		return rep
	}

	totals := make([]time.Duration, len(hist))
	ok := 0
	for i, m := range hist {
		totals[i] = m.Total
		if m.Success {
			ok++
		}
	}
	slices.Sort(totals)
	rep.SuccessRate = float64(ok) / float64(len(hist))
	rep.P95 = percentile(totals, 0.95)
	rep.P99 = percentile(totals, 0.99)

	switch {
	case rep.SuccessRate < unhealthySuccessRate || rep.P99 > unhealthyP99:
		rep.Status = StatusUnhealthy
	case rep.SuccessRate < degradedSuccessRate || rep.P95 > degradedP95:
		rep.Status = StatusDegraded
	}
	return rep
}

// Checker adapts [Orchestrator.Health] to a readiness check. A degraded
// pipeline stays ready; an unhealthy one fails the check.
func (o *Orchestrator) Checker() health.Checker {
	return health.Checker{
		Name: "pipeline",
		Check: func(context.Context) error {
			rep := o.Health()
			switch rep.Status {
			case StatusUnhealthy:
				return fmt.Errorf("success rate %.2f, p99 %s", rep.SuccessRate, rep.P99)
			case StatusDegraded:
				return health.Degraded(fmt.Errorf("success rate %.2f, p95 %s", rep.SuccessRate, rep.P95))
			}
			return nil
		},
	}
}

// Performance summarises the retained history.
type Performance struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Stage averages cover the runs that reached the stage.
	AvgValidation    time.Duration `json:"avg_validation"`
	AvgTranscription time.Duration `json:"avg_transcription"`
	AvgParsing       time.Duration `json:"avg_parsing"`
	AvgExecution     time.Duration `json:"avg_execution"`
	AvgTotal         time.Duration `json:"avg_total"`

	// AvgAccuracy covers successful runs.
	AvgAccuracy float64 `json:"avg_accuracy"`

	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`

	// FailuresByStage counts failed runs per failing stage.
	FailuresByStage map[string]int `json:"failures_by_stage"`
}

// Performance computes averages, counts and latency percentiles over the
// retained history.
func (o *Orchestrator) Performance() Performance {
	hist := o.History()
	p := Performance{Total: len(hist), FailuresByStage: map[string]int{}}
	if len(hist) == 0 {
		return p
	}

	var (
		val, tr, parse, exec, total avg
		accuracy                    float64
		totals                      = make([]time.Duration, 0, len(hist))
	)
	for _, m := range hist {
		if m.Success {
			p.Succeeded++
			accuracy += m.Accuracy
		} else {
			p.Failed++
			p.FailuresByStage[m.FailedStage]++
		}
		val.add(m.Validation, true)
		tr.add(m.Transcription, reached(m, StageTranscription))
		parse.add(m.Parsing, reached(m, StageParsing))
		exec.add(m.Execution, m.Execution > 0)
		total.add(m.Total, true)
		totals = append(totals, m.Total)
	}
	slices.Sort(totals)

	p.AvgValidation = val.mean()
	p.AvgTranscription = tr.mean()
	p.AvgParsing = parse.mean()
	p.AvgExecution = exec.mean()
	p.AvgTotal = total.mean()
	if p.Succeeded > 0 {
		p.AvgAccuracy = accuracy / float64(p.Succeeded)
	}
	p.P50 = percentile(totals, 0.50)
	p.P95 = percentile(totals, 0.95)
	p.P99 = percentile(totals, 0.99)
	return p
}

// reached reports whether a run got as far as stage.
func reached(m Metrics, stage string) bool {
	order := []string{StageValidation, StageTranscription, StageParsing, StageExecution}
	if m.Success {
		return stage != StageExecution
	}
	return slices.Index(order, stage) <= slices.Index(order, m.FailedStage)
}

type avg struct {
	sum time.Duration
	n   int
}

func (a *avg) add(d time.Duration, ok bool) {
	if ok {
		a.sum += d
		a.n++
	}
}

func (a avg) mean() time.Duration {
	if a.n == 0 {
		return 0
	}
	return a.sum / time.Duration(a.n)
}

// percentile returns the nearest-rank p-quantile of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(len(sorted))*p)) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}
