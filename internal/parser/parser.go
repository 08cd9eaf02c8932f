// Package parser turns transcripts into structured commands using a
// language model.
//
// A parse validates the transcript and caller, builds the organisation
// context, renders a context-rich system prompt and asks the model for a
// single JSON object. The model output is untrusted: it is validated against
// the response contract and normalised into a [types.ParsedCommand] whose
// dates are absolute and whose people, channels and tasks are resolved
// against the context. Model confidence can only be lowered on the way.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/entity"
	"github.com/MrWong99/voicecmd/internal/kv"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/resilience"
	"github.com/MrWong99/voicecmd/internal/temporal"
	"github.com/MrWong99/voicecmd/pkg/provider/llm"
	"github.com/MrWong99/voicecmd/pkg/types"
)

const (
	// DefaultMaxTranscriptLength is the longest transcript accepted, in
	// characters.
	DefaultMaxTranscriptLength = 5000

	// IntentParseError marks placeholder commands of failed batch items.
	IntentParseError = "parse_error"

	promptKeyPrefix = "prompt:"
)

// dateParams are the action parameters holding spoken dates.
var dateParams = []string{"deadline", "due_date", "start_time", "date"}

// userListParams are the action parameters holding lists of people.
var userListParams = []string{"assignees", "users", "attendees", "recipients", "members"}

// ContextBuilder supplies the organisation context of a caller.
type ContextBuilder interface {
	Build(ctx context.Context, uc types.UserContext) (*types.ContextData, error)
}

// Config tunes a [Parser]. Zero values select the defaults.
type Config struct {
	// MaxTranscriptLength bounds the transcript in characters. Default: 5000.
	MaxTranscriptLength int

	// Timeout bounds one model call. Default: 15s.
	Timeout time.Duration

	// Temperature is the sampling temperature. Default: 0.1.
	Temperature float64

	// MaxTokens caps the completion. Default: 2000.
	MaxTokens int

	// MaxRetries is the number of retries after a rate-limit or timeout
	// failure. Default: 2. Negative disables retrying.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay. Default: 500ms.
	RetryBaseDelay time.Duration

	// PromptTTL is how long a rendered system prompt is reused per
	// (user, organisation). Default: 5m.
	PromptTTL time.Duration

	// BatchConcurrency and BatchDelay pace [Parser.ParseMultiple].
	// Defaults: 3 and 100ms.
	BatchConcurrency int
	BatchDelay       time.Duration

	// RequestsPerSecond throttles model calls, retries included. Zero
	// disables throttling.
	RequestsPerSecond float64
	Burst             int

	// Provider labels metrics. Default: "llm".
	Provider string
}

func (c *Config) applyDefaults() {
	if c.MaxTranscriptLength <= 0 {
		c.MaxTranscriptLength = DefaultMaxTranscriptLength
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2000
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 2
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.PromptTTL <= 0 {
		c.PromptTTL = 5 * time.Minute
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 3
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	} else if c.BatchDelay == 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Provider == "" {
		c.Provider = "llm"
	}
}

// Option is a functional option for configuring a [Parser].
type Option func(*Parser)

// WithEntityResolver sets the resolver for people, channels and tasks.
// Default: [entity.New] without a channel searcher.
func WithEntityResolver(r *entity.Resolver) Option {
	return func(p *Parser) {
		if r != nil {
			p.entities = r
		}
	}
}

// WithDateResolver sets the temporal resolver. Default: [temporal.New].
func WithDateResolver(r *temporal.Resolver) Option {
	return func(p *Parser) {
		if r != nil {
			p.dates = r
		}
	}
}

// WithPromptCache sets the store for rendered system prompts.
// Default: a private [kv.Memory].
func WithPromptCache(s kv.Store) Option {
	return func(p *Parser) {
		if s != nil {
			p.prompts = s
		}
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Parser) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Parser converts transcripts into [types.ParsedCommand] values. It is safe
// for concurrent use.
type Parser struct {
	llm      llm.Provider
	contexts ContextBuilder
	entities *entity.Resolver
	dates    *temporal.Resolver
	prompts  kv.Store
	limiter  *rate.Limiter
	retry    resilience.RetryPolicy
	metrics  *observe.Metrics
	cfg      Config
}

// New creates a Parser calling provider with context from contexts.
func New(provider llm.Provider, contexts ContextBuilder, cfg Config, opts ...Option) *Parser {
	cfg.applyDefaults()
	p := &Parser{
		llm:      provider,
		contexts: contexts,
		entities: entity.New(),
		dates:    temporal.New(),
		metrics:  observe.DefaultMetrics(),
		cfg:      cfg,
		retry: resilience.RetryPolicy{
			Name:       "parser",
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			Retryable:  isTransient,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	for _, o := range opts {
		o(p)
	}
	if p.prompts == nil {
		p.prompts = kv.NewMemory()
	}
	return p
}

func isTransient(err error) bool {
	return errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrTimeout)
}

// Validate checks the transcript and the caller identity.
func (p *Parser) Validate(transcript string, uc types.UserContext) error {
	const op = "parser.validate"
	switch {
	case strings.TrimSpace(transcript) == "":
		return apperr.New(apperr.KindValidation, op, "transcript is empty")
	case len([]rune(transcript)) > p.cfg.MaxTranscriptLength:
		return apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("transcript too long: %d characters (maximum %d)", len([]rune(transcript)), p.cfg.MaxTranscriptLength)).
			WithInput(transcript)
	case uc.UserID == "":
		return apperr.New(apperr.KindValidation, op, "user id is required")
	case uc.OrganizationID == "":
		return apperr.New(apperr.KindValidation, op, "organization id is required")
	}
	return nil
}

// Parse converts transcript into a command for the caller uc.
func (p *Parser) Parse(ctx context.Context, transcript string, uc types.UserContext) (*types.ParsedCommand, error) {
	const op = "parser.parse"
	start := time.Now()
	reqID := observe.CorrelationID(ctx)

	if err := p.Validate(transcript, uc); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae.WithRequest(reqID)
		}
		return nil, err
	}

	cd, err := p.contexts.Build(ctx, uc)
	if err != nil {
		return nil, fmt.Errorf("parser: build context: %w", err)
	}
	if cd == nil {
		cd = &types.ContextData{}
	}

	original := strings.TrimSpace(transcript)
	processed := Enhance(original)

	system := p.systemPrompt(ctx, uc, cd)
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: formatUserPrompt(processed)}},
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		JSONMode:     true,
	}

	resp, err := resilience.Retry(ctx, p.retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return p.call(ctx, req)
	})
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.cfg.Provider, "llm", "error")
		p.metrics.RecordProviderError(ctx, p.cfg.Provider, "llm")
		kind := apperr.KindUpstream
		if isTransient(err) {
			kind = apperr.KindTransient
		}
		return nil, apperr.Wrap(kind, op, err).
			WithRequest(reqID).
			WithInput(processed).
			WithElapsed(time.Since(start))
	}
	p.metrics.RecordProviderRequest(ctx, p.cfg.Provider, "llm", "ok")

	raw, err := decodeResponse(resp.Content)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedResponse, op, err).
			WithRequest(reqID).
			WithInput(resp.Content).
			WithElapsed(time.Since(start))
	}

	cmd := p.build(ctx, raw, cd, uc, original, processed)
	cmd.ProcessingTime = time.Since(start)
	p.metrics.ParseDuration.Record(ctx, cmd.ProcessingTime.Seconds())
	slog.Debug("parsed command",
		"command_id", cmd.ID,
		"intent", cmd.Intent,
		"actions", len(cmd.Actions),
		"confidence", cmd.Confidence,
		"latency", cmd.ProcessingTime,
	)
	return cmd, nil
}

// call performs one model request under the call timeout.
func (p *Parser) call(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.llm.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, llm.ErrTimeout) {
			err = fmt.Errorf("%w: %w", llm.ErrTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("parser: model returned no response")
	}
	return resp, nil
}

// systemPrompt returns the rendered prompt for uc, reusing a cached
// rendering for up to the prompt TTL.
func (p *Parser) systemPrompt(ctx context.Context, uc types.UserContext, cd *types.ContextData) string {
	key := promptKeyPrefix + uc.OrganizationID + ":" + uc.UserID
	if s, ok, err := p.prompts.Get(ctx, key); err == nil && ok {
		p.metrics.RecordCacheLookup(ctx, "prompt", true)
		return s
	}
	p.metrics.RecordCacheLookup(ctx, "prompt", false)

	s := FormatSystemPrompt(cd)
	if err := p.prompts.Set(ctx, key, s, p.cfg.PromptTTL); err != nil {
		slog.Debug("prompt cache set failed", "key", key, "error", err)
	}
	return s
}

// build normalises the validated model response into a command.
func (p *Parser) build(ctx context.Context, raw *modelResponse, cd *types.ContextData, uc types.UserContext, original, processed string) *types.ParsedCommand {
	confidence := types.ClampConfidence(*raw.Confidence)
	tc := temporal.FromSnapshot(cd.Temporal)

	cmd := &types.ParsedCommand{
		ID:                 uuid.NewString(),
		UserID:             uc.UserID,
		OrganizationID:     uc.OrganizationID,
		OriginalTranscript: original,
		Intent:             strings.TrimSpace(raw.Intent),
		Confidence:         confidence,
		Timestamp:          time.Now(),
	}
	if processed != original {
		cmd.ProcessedTranscript = processed
	}

	found := p.dates.ResolveDatesInText(processed, tc)
	entities := types.NewResolvedEntities()
	for _, d := range found {
		entities.Dates = append(entities.Dates, d.DateRef())
	}

	cmd.Actions = p.normalizeActions(ctx, raw.Actions, cd, tc, confidence, &entities)

	entities.Users = append(entities.Users, refs(raw.Entities.Users, confidence)...)
	entities.Channels = append(entities.Channels, refs(raw.Entities.Channels, confidence)...)
	entities.Tasks = append(entities.Tasks, refs(raw.Entities.Tasks, confidence)...)
	entities.Files = append(entities.Files, refs(raw.Entities.Files, confidence)...)

	enhanced := p.entities.ValidateAndEnhance(ctx, entities, cd)
	enhanced.Users = dedupe(enhanced.Users)
	enhanced.Channels = dropCreated(dedupe(enhanced.Channels), cmd.Actions, types.ActionCreateChannel, "name")
	enhanced.Tasks = dropCreated(dedupe(enhanced.Tasks), cmd.Actions, types.ActionCreateTask, "title")
	cmd.Entities = enhanced

	cmd.ContextReferences = mergeReferences(DetectReferences(processed, found), raw.ContextReferences)
	return cmd
}

// normalizeActions assigns IDs, priorities, dependencies and the critical
// flag, resolves dates and people in the parameters, and validates the
// typed parameter record. Resolved dates and people are recorded in ents.
func (p *Parser) normalizeActions(ctx context.Context, in []modelAction, cd *types.ContextData, tc temporal.Context, confidence float64, ents *types.ResolvedEntities) []types.CommandAction {
	ids := make([]string, len(in))
	byModelID := make(map[string]int, len(in))
	for i, a := range in {
		ids[i] = uuid.NewString()
		if a.ID != "" {
			byModelID[a.ID] = i
		}
	}

	out := make([]types.CommandAction, 0, len(in))
	for i, a := range in {
		params := make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			params[k] = v
		}

		for _, key := range dateParams {
			spoken, ok := params[key].(string)
			if !ok || strings.TrimSpace(spoken) == "" {
				continue
			}
			if _, err := time.Parse(time.RFC3339, spoken); err == nil {
				continue
			}
			res, ok := p.dates.ResolveDate(spoken, tc)
			if !ok {
				slog.Debug("unresolved date parameter", "action", a.actionType, "param", key, "value", spoken)
				continue
			}
			params[key] = res.Date.Format(time.RFC3339)
			ref := res.DateRef()
			ref.SourceText = spoken
			ents.Dates = appendDate(ents.Dates, ref)
		}

		for _, key := range userListParams {
			names := stringList(params[key])
			if names == nil {
				continue
			}
			resolved := make([]any, len(names))
			for j, name := range names {
				resolved[j] = name
				if m, ok := p.entities.ResolveUser(name, cd); ok {
					resolved[j] = m.ResolvedID
					m.Confidence = min(m.Confidence, confidence)
					ents.Users = append(ents.Users, m)
				}
			}
			params[key] = resolved
		}

		action := types.CommandAction{
			ID:                ids[i],
			Type:              a.actionType,
			Parameters:        params,
			Priority:          a.Priority,
			Dependencies:      []string{},
			EstimatedDuration: a.EstimatedDuration,
			Critical:          a.actionType.Critical(),
			Order:             i,
		}
		if action.Priority <= 0 {
			action.Priority = i + 1
		}
		for _, dep := range a.Dependencies {
			j, ok := dependencyIndex(dep, byModelID)
			if !ok || j < 0 || j >= len(in) || j == i {
				continue
			}
			action.Dependencies = append(action.Dependencies, ids[j])
		}

		typed, err := types.DecodeParams(a.actionType, params)
		if err == nil {
			action.Params = typed
			if verr := typed.Validate(); verr == nil {
				action.Validated = true
			} else {
				slog.Debug("action parameters incomplete", "action", a.actionType, "error", verr)
			}
		} else {
			slog.Debug("action parameters undecodable", "action", a.actionType, "error", err)
		}
		out = append(out, action)
	}
	return out
}

// ParseMultiple parses transcripts in paced batches. Results keep input
// order; a failed item becomes a placeholder command with intent
// [IntentParseError], zero confidence and the error text.
func (p *Parser) ParseMultiple(ctx context.Context, transcripts []string, uc types.UserContext) []*types.ParsedCommand {
	out := resilience.PacedBatch(ctx, transcripts, p.cfg.BatchConcurrency, p.cfg.BatchDelay,
		func(ctx context.Context, _ int, transcript string) *types.ParsedCommand {
			cmd, err := p.Parse(ctx, transcript, uc)
			if err != nil {
				slog.Warn("batch parse failed", "user_id", uc.UserID, "error", err)
				return ErrorCommand(transcript, uc, err)
			}
			return cmd
		})
	// Items skipped after cancellation.
	for i, cmd := range out {
		if cmd == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			out[i] = ErrorCommand(transcripts[i], uc, err)
		}
	}
	return out
}

// ErrorCommand returns the placeholder command for a failed parse.
func ErrorCommand(transcript string, uc types.UserContext, err error) *types.ParsedCommand {
	return &types.ParsedCommand{
		ID:                 uuid.NewString(),
		UserID:             uc.UserID,
		OrganizationID:     uc.OrganizationID,
		OriginalTranscript: transcript,
		Intent:             IntentParseError,
		Confidence:         0,
		Actions:            []types.CommandAction{},
		Entities:           types.NewResolvedEntities(),
		Timestamp:          time.Now(),
		Error:              err.Error(),
	}
}

// refs converts model entities. Entities without a reported confidence
// inherit the command confidence.
func refs(in []modelEntity, confidence float64) []types.EntityRef {
	out := make([]types.EntityRef, 0, len(in))
	for _, e := range in {
		if e.mention() == "" {
			continue
		}
		c := confidence
		if e.Confidence != nil {
			c = types.ClampConfidence(*e.Confidence)
		}
		out = append(out, types.EntityRef{
			SourceText: e.mention(),
			ResolvedID: e.ID,
			Name:       e.Name,
			Confidence: c,
			Method:     entity.MethodExtracted,
		})
	}
	return out
}

// dedupe keeps the first reference per resolved ID, or per source text for
// unresolved references.
func dedupe(in []types.EntityRef) []types.EntityRef {
	seen := make(map[string]bool, len(in))
	out := make([]types.EntityRef, 0, len(in))
	for _, e := range in {
		k := "id:" + e.ResolvedID
		if e.ResolvedID == "" {
			k = "text:" + strings.ToLower(e.SourceText)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

// dropCreated removes unresolved references naming something the command
// itself creates.
func dropCreated(in []types.EntityRef, actions []types.CommandAction, create types.ActionType, param string) []types.EntityRef {
	var created []string
	for _, a := range actions {
		if a.Type != create {
			continue
		}
		if s, ok := a.Parameters[param].(string); ok && s != "" {
			created = append(created, strings.ToLower(strings.TrimSpace(s)))
		}
	}
	if len(created) == 0 {
		return in
	}
	out := in[:0:0]
	for _, e := range in {
		if e.Method == entity.MethodExtracted && containsFold(created, e.SourceText) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsFold(list []string, s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendDate(list []types.DateRef, d types.DateRef) []types.DateRef {
	for _, have := range list {
		if strings.EqualFold(have.SourceText, d.SourceText) {
			return list
		}
	}
	return append(list, d)
}

// stringList returns v as a list of strings. A single string counts as a
// one-element list. Nil is returned for anything else.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
