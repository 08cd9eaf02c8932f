// Package entity resolves the people, channels and tasks a command mentions
// to concrete identifiers from the caller's organisation context.
//
// Each kind resolves in stages and the first stage that produces a match
// wins:
//
//  1. Exact match: case-insensitive name equality against the loaded
//     context. Confidence 1.0.
//
//  2. Fuzzy match: every candidate is scored with [Similarity]; candidates
//     above the keep threshold (0.5) are ranked and the best is accepted
//     when it exceeds the accept threshold (0.7). Equal scores are ordered
//     by Jaro-Winkler similarity, then by name.
//
//  3. Heuristics: role keywords for users (0.8), a database search beyond
//     the loaded context for channels (0.6), and contextual phrases for
//     tasks ("this task" 0.8, "urgent" 0.7).
//
// A mention that no stage resolves is reported as unresolved, never as an
// error.
package entity

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

const (
	defaultKeepThreshold   = 0.5
	defaultAcceptThreshold = 0.7

	roleConfidence        = 0.8
	searchConfidence      = 0.6
	currentTaskConfidence = 0.8
	urgentTaskConfidence  = 0.7

	urgentWindow = 24 * time.Hour
	searchLimit  = 5
)

// Resolution methods recorded on [types.EntityRef.Method].
const (
	MethodExact      = "exact"
	MethodFuzzy      = "fuzzy"
	MethodRole       = "role"
	MethodSearch     = "search"
	MethodContextual = "contextual"
	MethodExtracted  = "extracted"
)

// Kind selects which list of the context a mention is resolved against.
type Kind int

const (
	KindUser Kind = iota
	KindChannel
	KindTask
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChannel:
		return "channel"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// ChannelSearcher finds channels of an organisation whose name matches query.
// It is consulted only after the loaded context failed to produce a match.
type ChannelSearcher interface {
	SearchChannels(ctx context.Context, orgID, query string, limit int) ([]types.ChannelSummary, error)
}

// roleRule maps spoken keywords to the role substrings they select.
type roleRule struct {
	keywords []string
	roles    []string
}

var roleRules = []roleRule{
	{keywords: []string{"manager", "lead", "supervisor", "boss"}, roles: []string{"manager"}},
	{keywords: []string{"developer", "engineer", "dev", "programmer"}, roles: []string{"developer", "engineer"}},
	{keywords: []string{"designer"}, roles: []string{"designer"}},
	{keywords: []string{"admin", "administrator"}, roles: []string{"admin"}},
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithChannelSearcher enables the database fallback for channel mentions.
func WithChannelSearcher(s ChannelSearcher) Option {
	return func(r *Resolver) {
		r.channels = s
	}
}

// WithThresholds overrides the fuzzy keep and accept thresholds.
// Defaults: 0.5 and 0.7.
func WithThresholds(keep, accept float64) Option {
	return func(r *Resolver) {
		r.keep = keep
		r.accept = accept
	}
}

// WithClock sets the time source used when the context carries no temporal
// snapshot.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// Resolver resolves entity mentions. It is read-only after construction and
// safe for concurrent use.
type Resolver struct {
	channels ChannelSearcher
	keep     float64
	accept   float64
	now      func() time.Time
}

// New returns a [Resolver] configured with opts.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		keep:   defaultKeepThreshold,
		accept: defaultAcceptThreshold,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve dispatches mention to the resolver for kind.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, mention string, cd *types.ContextData) (types.EntityRef, bool) {
	switch kind {
	case KindUser:
		return r.ResolveUser(mention, cd)
	case KindChannel:
		return r.ResolveChannel(ctx, mention, cd)
	case KindTask:
		return r.ResolveTask(mention, cd)
	default:
		return types.EntityRef{}, false
	}
}

// ResolveUser resolves a person mention against the team roster.
func (r *Resolver) ResolveUser(mention string, cd *types.ContextData) (types.EntityRef, bool) {
	clean := strings.TrimPrefix(strings.TrimSpace(mention), "@")
	if clean == "" || cd == nil {
		return types.EntityRef{}, false
	}
	members := cd.TeamMembers

	for _, m := range members {
		if strings.EqualFold(m.Name, clean) || (m.Email != "" && strings.EqualFold(m.Email, clean)) {
			return ref(mention, m.ID, m.Name, 1.0, MethodExact), true
		}
	}

	ids := make([]string, len(members))
	names := make([]string, len(members))
	for i, m := range members {
		ids[i], names[i] = m.ID, m.Name
	}
	if c, ok := r.best(clean, ids, names); ok {
		return ref(mention, c.id, c.name, c.score, MethodFuzzy), true
	}

	if m, ok := matchRole(clean, members); ok {
		return ref(mention, m.ID, m.Name, roleConfidence, MethodRole), true
	}
	return types.EntityRef{}, false
}

// ResolveChannel resolves a channel mention against the user's active
// channels, falling back to the configured [ChannelSearcher].
func (r *Resolver) ResolveChannel(ctx context.Context, mention string, cd *types.ContextData) (types.EntityRef, bool) {
	clean := strings.TrimPrefix(strings.TrimSpace(mention), "#")
	if clean == "" {
		return types.EntityRef{}, false
	}

	var channels []types.ChannelSummary
	if cd != nil {
		channels = cd.ActiveChannels
	}
	for _, ch := range channels {
		if strings.EqualFold(ch.Name, clean) {
			return ref(mention, ch.ID, ch.Name, 1.0, MethodExact), true
		}
	}

	ids := make([]string, len(channels))
	names := make([]string, len(channels))
	for i, ch := range channels {
		ids[i], names[i] = ch.ID, ch.Name
	}
	if c, ok := r.best(clean, ids, names); ok {
		return ref(mention, c.id, c.name, c.score, MethodFuzzy), true
	}

	if r.channels == nil || cd == nil || cd.Organization.ID == "" {
		return types.EntityRef{}, false
	}
	found, err := r.channels.SearchChannels(ctx, cd.Organization.ID, clean, searchLimit)
	if err != nil {
		slog.Warn("entity: channel search failed", "org_id", cd.Organization.ID, "query", clean, "err", err)
		return types.EntityRef{}, false
	}
	if len(found) == 0 {
		return types.EntityRef{}, false
	}
	return ref(mention, found[0].ID, found[0].Name, searchConfidence, MethodSearch), true
}

// ResolveTask resolves a task mention against the user's recent tasks.
func (r *Resolver) ResolveTask(mention string, cd *types.ContextData) (types.EntityRef, bool) {
	clean := strings.TrimSpace(mention)
	if clean == "" || cd == nil || len(cd.RecentTasks) == 0 {
		return types.EntityRef{}, false
	}
	tasks := cd.RecentTasks

	for _, t := range tasks {
		if strings.EqualFold(t.Title, clean) {
			return ref(mention, t.ID, t.Title, 1.0, MethodExact), true
		}
	}

	ids := make([]string, len(tasks))
	names := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i], names[i] = t.ID, t.Title
	}
	if c, ok := r.best(clean, ids, names); ok {
		return ref(mention, c.id, c.name, c.score, MethodFuzzy), true
	}

	norm := " " + normalize(clean) + " "
	if strings.Contains(norm, " this task ") || strings.Contains(norm, " current task ") {
		t := mostRecent(tasks)
		return ref(mention, t.ID, t.Title, currentTaskConfidence, MethodContextual), true
	}
	if strings.Contains(norm, " urgent ") || strings.Contains(norm, " priority ") {
		if t, ok := dueSoon(tasks, r.clock(cd)); ok {
			return ref(mention, t.ID, t.Title, urgentTaskConfidence, MethodContextual), true
		}
	}
	return types.EntityRef{}, false
}

// ValidateAndEnhance re-resolves every user, channel and task reference in
// in against cd. A resolved reference takes the resolved ID and name and the
// lower of its extraction and resolution confidences. An unresolved
// reference keeps its extracted values. Dates and files pass through.
func (r *Resolver) ValidateAndEnhance(ctx context.Context, in types.ResolvedEntities, cd *types.ContextData) types.ResolvedEntities {
	return types.ResolvedEntities{
		Users:    r.enhance(ctx, KindUser, in.Users, cd),
		Channels: r.enhance(ctx, KindChannel, in.Channels, cd),
		Tasks:    r.enhance(ctx, KindTask, in.Tasks, cd),
		Dates:    append([]types.DateRef{}, in.Dates...),
		Files:    append([]types.EntityRef{}, in.Files...),
	}
}

func (r *Resolver) enhance(ctx context.Context, kind Kind, refs []types.EntityRef, cd *types.ContextData) []types.EntityRef {
	out := make([]types.EntityRef, 0, len(refs))
	for _, e := range refs {
		mention := e.SourceText
		if mention == "" {
			mention = e.Name
		}
		res, ok := r.Resolve(ctx, kind, mention, cd)
		if !ok {
			e.Confidence = min(e.Confidence, 1)
			if e.Method == "" {
				e.Method = MethodExtracted
			}
			out = append(out, e)
			continue
		}
		res.SourceText = mention
		res.Confidence = min(e.Confidence, res.Confidence)
		out = append(out, res)
	}
	return out
}

func (r *Resolver) best(mention string, ids, names []string) (candidate, bool) {
	ranked := rank(mention, ids, names, r.keep)
	if len(ranked) == 0 || ranked[0].score <= r.accept {
		return candidate{}, false
	}
	return ranked[0], true
}

func (r *Resolver) clock(cd *types.ContextData) time.Time {
	if cd != nil && !cd.Temporal.CurrentTime.IsZero() {
		return cd.Temporal.CurrentTime
	}
	return r.now()
}

// matchRole finds the first member whose role matches a role keyword in
// mention. Members whose department also appears in the mention are
// preferred.
func matchRole(mention string, members []types.TeamMember) (types.TeamMember, bool) {
	words := tokens(mention)
	var roles []string
	for _, rule := range roleRules {
		for _, kw := range rule.keywords {
			if slices.Contains(words, kw) {
				roles = append(roles, rule.roles...)
				break
			}
		}
	}
	if len(roles) == 0 {
		return types.TeamMember{}, false
	}

	var first *types.TeamMember
	for i := range members {
		m := &members[i]
		role := strings.ToLower(m.Role)
		if !slices.ContainsFunc(roles, func(r string) bool { return strings.Contains(role, r) }) {
			continue
		}
		if dept := strings.ToLower(m.Department); dept != "" && slices.Contains(words, dept) {
			return *m, true
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return types.TeamMember{}, false
	}
	return *first, true
}

func mostRecent(tasks []types.TaskSummary) types.TaskSummary {
	best := tasks[0]
	for _, t := range tasks[1:] {
		if t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	return best
}

// dueSoon returns the first task due within [urgentWindow] of now.
func dueSoon(tasks []types.TaskSummary, now time.Time) (types.TaskSummary, bool) {
	for _, t := range tasks {
		if t.DueDate == nil {
			continue
		}
		if d := t.DueDate.Sub(now); d >= 0 && d <= urgentWindow {
			return t, true
		}
	}
	return types.TaskSummary{}, false
}

func ref(source, id, name string, confidence float64, method string) types.EntityRef {
	return types.EntityRef{
		SourceText: source,
		ResolvedID: id,
		Name:       name,
		Confidence: confidence,
		Method:     method,
	}
}
