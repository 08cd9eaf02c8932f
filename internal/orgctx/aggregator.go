// Package orgctx assembles the organisational context a voice command is
// interpreted against: who is speaking, which organisation they belong to,
// the channels they are active in, their open tasks, the team roster and the
// current time frame.
//
// Snapshots are cached per (organisation, user, session) in a [kv.Store].
// A cache that is unavailable only costs a rebuild.
package orgctx

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/kv"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/temporal"
	"github.com/MrWong99/voicecmd/pkg/types"
)

const (
	keyPrefix = "context:"

	defaultTTL           = 300 * time.Second
	defaultSlowThreshold = 500 * time.Millisecond

	DefaultMaxChannels = 20
	DefaultMaxTasks    = 50
	DefaultMaxMembers  = 100
)

// DataSource supplies the raw organisation data. Implementations may return
// more entries than requested or in any order; the [Aggregator] applies caps
// and ordering itself.
type DataSource interface {
	UserProfile(ctx context.Context, orgID, userID string) (types.UserProfile, error)
	Organization(ctx context.Context, orgID string) (types.Organization, error)
	ActiveChannels(ctx context.Context, orgID, userID string, limit int) ([]types.ChannelSummary, error)
	RecentTasks(ctx context.Context, orgID, userID string, limit int) ([]types.TaskSummary, error)
	TeamMembers(ctx context.Context, orgID string, limit int) ([]types.TeamMember, error)
}

// Limits caps the list sections of a snapshot.
type Limits struct {
	Channels int
	Tasks    int
	Members  int
}

// Option is a functional option for configuring an [Aggregator].
type Option func(*Aggregator)

// WithTTL sets how long snapshots are cached. Default: 300s.
func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithLimits overrides the list caps. Zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(a *Aggregator) {
		if l.Channels > 0 {
			a.limits.Channels = l.Channels
		}
		if l.Tasks > 0 {
			a.limits.Tasks = l.Tasks
		}
		if l.Members > 0 {
			a.limits.Members = l.Members
		}
	}
}

// WithSlowThreshold sets the build duration above which a warning is
// logged. Default: 500ms.
func WithSlowThreshold(d time.Duration) Option {
	return func(a *Aggregator) {
		a.slow = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// Aggregator builds and caches [types.ContextData] snapshots. It is safe for
// concurrent use.
type Aggregator struct {
	src     DataSource
	store   kv.Store
	ttl     time.Duration
	slow    time.Duration
	limits  Limits
	now     func() time.Time
	metrics *observe.Metrics
}

// New returns an Aggregator reading from src and caching in store. A nil
// store disables caching.
func New(src DataSource, store kv.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		src:   src,
		store: store,
		ttl:   defaultTTL,
		slow:  defaultSlowThreshold,
		limits: Limits{
			Channels: DefaultMaxChannels,
			Tasks:    DefaultMaxTasks,
			Members:  DefaultMaxMembers,
		},
		now:     time.Now,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Key returns the cache key of the snapshot for uc.
func Key(uc types.UserContext) string {
	return keyPrefix + uc.OrganizationID + ":" + uc.UserID + ":" + uc.SessionID
}

// Build returns the context snapshot for uc, from cache when a fresh one
// exists. Cached snapshots older than the TTL are rebuilt.
func (a *Aggregator) Build(ctx context.Context, uc types.UserContext) (*types.ContextData, error) {
	const op = "orgctx.Build"
	if uc.UserID == "" || uc.OrganizationID == "" {
		return nil, apperr.New(apperr.KindValidation, op, "user and organization ids are required")
	}

	key := Key(uc)
	if cd, ok := a.cached(ctx, key); ok {
		return cd, nil
	}

	start := a.now()
	cd, err := a.fetch(ctx, uc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackingStore, op, err).
			WithRequest(observe.CorrelationID(ctx)).
			WithElapsed(a.now().Sub(start))
	}
	cd.Temporal = temporal.NewContext(start, uc.Timezone).Snapshot()
	cd.BuiltAt = start

	elapsed := a.now().Sub(start)
	a.metrics.ContextBuildDuration.Record(ctx, elapsed.Seconds())
	if a.slow > 0 && elapsed > a.slow {
		slog.Warn("slow context build",
			"org_id", uc.OrganizationID,
			"user_id", uc.UserID,
			"duration", elapsed,
		)
	}

	a.save(ctx, key, cd)
	return cd, nil
}

// fetch loads every section concurrently. Missing profile or organisation
// data fails the build; a failing list section degrades to an empty list.
func (a *Aggregator) fetch(ctx context.Context, uc types.UserContext) (*types.ContextData, error) {
	var (
		cd  types.ContextData
		org = uc.OrganizationID
		uid = uc.UserID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := a.src.UserProfile(gctx, org, uid)
		if err != nil {
			return fmt.Errorf("user profile: %w", err)
		}
		cd.User = p
		return nil
	})
	g.Go(func() error {
		o, err := a.src.Organization(gctx, org)
		if err != nil {
			return fmt.Errorf("organization: %w", err)
		}
		cd.Organization = o
		return nil
	})
	g.Go(func() error {
		chs, err := a.src.ActiveChannels(gctx, org, uid, a.limits.Channels)
		if err != nil {
			slog.Warn("context channels unavailable", "org_id", org, "user_id", uid, "error", err)
			chs = nil
		}
		cd.ActiveChannels = orderChannels(chs, a.limits.Channels)
		return nil
	})
	g.Go(func() error {
		tasks, err := a.src.RecentTasks(gctx, org, uid, a.limits.Tasks)
		if err != nil {
			slog.Warn("context tasks unavailable", "org_id", org, "user_id", uid, "error", err)
			tasks = nil
		}
		cd.RecentTasks = orderTasks(tasks, a.limits.Tasks)
		return nil
	})
	g.Go(func() error {
		members, err := a.src.TeamMembers(gctx, org, a.limits.Members)
		if err != nil {
			slog.Warn("context team unavailable", "org_id", org, "error", err)
			members = nil
		}
		cd.TeamMembers = orderMembers(members, a.limits.Members)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &cd, nil
}

func (a *Aggregator) cached(ctx context.Context, key string) (*types.ContextData, bool) {
	if a.store == nil {
		return nil, false
	}
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil {
		slog.Warn("context cache get failed", "key", key, "error", err)
	}
	if err != nil || !ok {
		a.metrics.RecordCacheLookup(ctx, "context", false)
		return nil, false
	}

	var cd types.ContextData
	if err := json.Unmarshal([]byte(raw), &cd); err != nil {
		slog.Warn("context cache entry corrupt", "key", key, "error", err)
		a.metrics.RecordCacheLookup(ctx, "context", false)
		return nil, false
	}
	if cd.Age(a.now()) > a.ttl {
		a.metrics.RecordCacheLookup(ctx, "context", false)
		return nil, false
	}
	a.metrics.RecordCacheLookup(ctx, "context", true)
	return &cd, true
}

func (a *Aggregator) save(ctx context.Context, key string, cd *types.ContextData) {
	if a.store == nil {
		return
	}
	raw, err := json.Marshal(cd)
	if err != nil {
		slog.Warn("context snapshot not cacheable", "key", key, "error", err)
		return
	}
	if err := a.store.Set(ctx, key, string(raw), a.ttl); err != nil {
		slog.Warn("context cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops the cached snapshot for uc.
func (a *Aggregator) Invalidate(ctx context.Context, uc types.UserContext) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.Del(ctx, Key(uc)); err != nil {
		return fmt.Errorf("orgctx: invalidate: %w", err)
	}
	return nil
}

// InvalidateUser drops every cached snapshot of userID. When orgID is
// non-empty only that organisation's snapshots are dropped, otherwise the
// user's snapshots across all organisations and sessions.
func (a *Aggregator) InvalidateUser(ctx context.Context, userID, orgID string) error {
	if a.store == nil || userID == "" {
		return nil
	}
	org := orgID
	if org == "" {
		org = "*"
	}
	pattern := keyPrefix + globEscape(org, orgID != "") + ":" + globEscape(userID, true) + ":*"

	keys, err := a.store.Keys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("orgctx: invalidate user %s: %w", userID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := a.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("orgctx: invalidate user %s: %w", userID, err)
	}
	slog.Debug("context snapshots invalidated", "user_id", userID, "org_id", orgID, "count", len(keys))
	return nil
}

func globEscape(s string, escape bool) string {
	if !escape {
		return s
	}
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`).Replace(s)
}

// orderChannels sorts by last activity, most recent first, and caps.
func orderChannels(chs []types.ChannelSummary, limit int) []types.ChannelSummary {
	out := slices.Clone(chs)
	slices.SortStableFunc(out, func(a, b types.ChannelSummary) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	return capped(out, limit)
}

// orderTasks sorts by due date (undated last), then newest first.
func orderTasks(tasks []types.TaskSummary, limit int) []types.TaskSummary {
	out := slices.Clone(tasks)
	slices.SortStableFunc(out, func(a, b types.TaskSummary) int {
		switch {
		case a.DueDate != nil && b.DueDate != nil:
			if c := a.DueDate.Compare(*b.DueDate); c != 0 {
				return c
			}
		case a.DueDate != nil:
			return -1
		case b.DueDate != nil:
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return capped(out, limit)
}

var presenceRank = map[string]int{
	types.PresenceOnline:  0,
	types.PresenceBusy:    1,
	types.PresenceOffline: 2,
}

// orderMembers sorts online before busy before offline, then by name.
func orderMembers(members []types.TeamMember, limit int) []types.TeamMember {
	rank := func(s string) int {
		if r, ok := presenceRank[strings.ToLower(s)]; ok {
			return r
		}
		return len(presenceRank)
	}
	out := slices.Clone(members)
	slices.SortStableFunc(out, func(a, b types.TeamMember) int {
		if c := cmp.Compare(rank(a.Status), rank(b.Status)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return capped(out, limit)
}

func capped[T any](s []T, limit int) []T {
	if s == nil {
		return []T{}
	}
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
