package entity

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecmd/pkg/store/postgres"
	"github.com/MrWong99/voicecmd/pkg/types"
)

var now = time.Date(2025, time.March, 12, 10, 30, 0, 0, time.UTC)

func testContext() *types.ContextData {
	soon := now.Add(3 * time.Hour)
	later := now.Add(48 * time.Hour)
	return &types.ContextData{
		User:         types.UserProfile{ID: "u-1", Name: "Dana Reyes"},
		Organization: types.Organization{ID: "org-1", Name: "Acme"},
		ActiveChannels: []types.ChannelSummary{
			{ID: "c-1", Name: "general"},
			{ID: "c-2", Name: "marketing"},
		},
		RecentTasks: []types.TaskSummary{
			{ID: "t-1", Title: "Launch plan", DueDate: &later, CreatedAt: now.Add(-72 * time.Hour)},
			{ID: "t-2", Title: "Budget review", DueDate: &soon, CreatedAt: now.Add(-48 * time.Hour)},
			{ID: "t-3", Title: "Fix login bug", CreatedAt: now.Add(-1 * time.Hour)},
		},
		TeamMembers: []types.TeamMember{
			{ID: "u-2", Name: "John Smith", Email: "john@acme.test", Role: "Developer", Department: "Engineering"},
			{ID: "u-3", Name: "Bob Jones", Role: "Engineering Manager", Department: "Engineering"},
			{ID: "u-4", Name: "Carol White", Role: "Marketing Manager", Department: "Marketing"},
			{ID: "u-5", Name: "Eve Park", Role: "Product Designer", Department: "Design"},
		},
		Temporal: types.TemporalSnapshot{CurrentTime: now, Timezone: "UTC"},
	}
}

// mockSearcher records calls and returns a fixed result.
type mockSearcher struct {
	mu     sync.Mutex
	result []types.ChannelSummary
	err    error
	calls  []string
}

func (m *mockSearcher) SearchChannels(_ context.Context, orgID, query string, limit int) ([]types.ChannelSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, orgID+"|"+query)
	if limit != searchLimit {
		return nil, errors.New("unexpected limit")
	}
	return m.result, m.err
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"John", "John Smith", 0.8},
		{"john smith", "John Smith", 1.0},
		{"marketing team", "marketing", 0.8},
		{"Sarah", "John Smith", 0},
		{"", "John", 0},
		{"market", "marketing", 0.3},
	}
	for _, tc := range tests {
		if got := Similarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestResolveUser_ExactIsIdempotent(t *testing.T) {
	t.Parallel()

	r := New()
	cd := testContext()
	for range 2 {
		got, ok := r.ResolveUser("john smith", cd)
		if !ok {
			t.Fatal("exact name not resolved")
		}
		if got.ResolvedID != "u-2" || got.Confidence != 1.0 || got.Method != MethodExact {
			t.Errorf("got %+v", got)
		}
	}

	got, ok := r.ResolveUser("@john@acme.test", cd)
	if !ok || got.ResolvedID != "u-2" || got.Method != MethodExact {
		t.Errorf("email lookup = %+v, %v", got, ok)
	}
}

func TestResolveUser_Fuzzy(t *testing.T) {
	t.Parallel()

	got, ok := New().ResolveUser("John", testContext())
	if !ok {
		t.Fatal("John not resolved")
	}
	if got.ResolvedID != "u-2" || got.Name != "John Smith" || got.Method != MethodFuzzy {
		t.Errorf("got %+v", got)
	}
	if got.Confidence <= 0.7 || got.Confidence >= 1.0 {
		t.Errorf("confidence = %v, want in (0.7, 1.0)", got.Confidence)
	}
}

func TestResolveUser_FuzzyTieOrderedByName(t *testing.T) {
	t.Parallel()

	cd := &types.ContextData{TeamMembers: []types.TeamMember{
		{ID: "a-2", Name: "Alex Smith"},
		{ID: "a-1", Name: "Alex Jones"},
	}}
	got, ok := New().ResolveUser("Alex", cd)
	if !ok || got.ResolvedID != "a-1" {
		t.Errorf("got %+v, %v; want Alex Jones", got, ok)
	}
}

func TestResolveUser_Role(t *testing.T) {
	t.Parallel()

	r := New()
	cd := testContext()
	tests := []struct {
		mention string
		wantID  string
	}{
		{"the marketing lead", "u-4"},
		{"my boss", "u-3"},
		{"our designer", "u-5"},
		{"the engineer", "u-2"},
	}
	for _, tc := range tests {
		got, ok := r.ResolveUser(tc.mention, cd)
		if !ok {
			t.Errorf("%q: not resolved", tc.mention)
			continue
		}
		if got.ResolvedID != tc.wantID || got.Confidence != roleConfidence || got.Method != MethodRole {
			t.Errorf("%q: got %+v, want %s", tc.mention, got, tc.wantID)
		}
	}

	if _, ok := r.ResolveUser("the admin", cd); ok {
		t.Error("admin resolved without an admin on the team")
	}
}

func TestResolveUser_Unresolved(t *testing.T) {
	t.Parallel()

	r := New()
	for _, mention := range []string{"Zed", "", "   "} {
		if got, ok := r.ResolveUser(mention, testContext()); ok {
			t.Errorf("%q resolved to %+v", mention, got)
		}
	}
	if _, ok := r.ResolveUser("John", nil); ok {
		t.Error("resolved against nil context")
	}
}

func TestResolveChannel(t *testing.T) {
	t.Parallel()

	search := &mockSearcher{result: []types.ChannelSummary{{ID: "c-9", Name: "design-reviews"}}}
	r := New(WithChannelSearcher(search))
	cd := testContext()

	got, ok := r.ResolveChannel(context.Background(), "#General", cd)
	if !ok || got.ResolvedID != "c-1" || got.Confidence != 1.0 {
		t.Errorf("exact = %+v, %v", got, ok)
	}

	got, ok = r.ResolveChannel(context.Background(), "marketing team", cd)
	if !ok || got.ResolvedID != "c-2" || got.Method != MethodFuzzy {
		t.Errorf("fuzzy = %+v, %v", got, ok)
	}
	if len(search.calls) != 0 {
		t.Errorf("search consulted before context matched: %v", search.calls)
	}

	got, ok = r.ResolveChannel(context.Background(), "design", cd)
	if !ok || got.ResolvedID != "c-9" || got.Confidence != searchConfidence || got.Method != MethodSearch {
		t.Errorf("search = %+v, %v", got, ok)
	}
	if len(search.calls) != 1 || search.calls[0] != "org-1|design" {
		t.Errorf("search calls = %v", search.calls)
	}
}

func TestResolveChannel_SearchFailureIsUnresolved(t *testing.T) {
	t.Parallel()

	r := New(WithChannelSearcher(&mockSearcher{err: errors.New("connection refused")}))
	if got, ok := r.ResolveChannel(context.Background(), "design", testContext()); ok {
		t.Errorf("resolved to %+v", got)
	}
	if _, ok := New().ResolveChannel(context.Background(), "design", testContext()); ok {
		t.Error("resolved without a searcher")
	}
}

func TestResolveTask(t *testing.T) {
	t.Parallel()

	r := New(WithClock(func() time.Time { return now.Add(1000 * time.Hour) }))
	cd := testContext()

	tests := []struct {
		mention string
		wantID  string
		conf    float64
		method  string
	}{
		{"launch plan", "t-1", 1.0, MethodExact},
		{"the launch plan task", "t-1", 0.8, MethodFuzzy},
		{"this task", "t-3", currentTaskConfidence, MethodContextual},
		{"the current task", "t-3", currentTaskConfidence, MethodContextual},
		{"the urgent one", "t-2", urgentTaskConfidence, MethodContextual},
	}
	for _, tc := range tests {
		got, ok := r.ResolveTask(tc.mention, cd)
		if !ok {
			t.Errorf("%q: not resolved", tc.mention)
			continue
		}
		if got.ResolvedID != tc.wantID || math.Abs(got.Confidence-tc.conf) > 1e-9 || got.Method != tc.method {
			t.Errorf("%q: got %+v", tc.mention, got)
		}
	}
}

func TestResolveTask_UrgentNeedsTaskDueSoon(t *testing.T) {
	t.Parallel()

	cd := testContext()
	cd.RecentTasks = cd.RecentTasks[:1] // only due in 48h
	if got, ok := New().ResolveTask("urgent", cd); ok {
		t.Errorf("resolved to %+v", got)
	}
}

func TestValidateAndEnhance(t *testing.T) {
	t.Parallel()

	r := New()
	in := types.ResolvedEntities{
		Users: []types.EntityRef{
			{SourceText: "John", Confidence: 0.9},
			{SourceText: "John Smith", Confidence: 0.5},
			{SourceText: "Zed", ResolvedID: "ext-1", Confidence: 0.7},
		},
		Channels: []types.EntityRef{{SourceText: "#general", Confidence: 0.95}},
		Tasks:    []types.EntityRef{{Name: "Launch plan", Confidence: 1.0}},
		Dates:    []types.DateRef{{SourceText: "tomorrow", Date: now.AddDate(0, 0, 1), Confidence: 1.0}},
	}
	out := r.ValidateAndEnhance(context.Background(), in, testContext())

	if got := out.Users[0]; got.ResolvedID != "u-2" || math.Abs(got.Confidence-0.8) > 1e-9 {
		t.Errorf("fuzzy user = %+v", got)
	}
	if got := out.Users[1]; got.ResolvedID != "u-2" || got.Confidence != 0.5 {
		t.Errorf("exact user = %+v", got)
	}
	if got := out.Users[2]; got.ResolvedID != "ext-1" || got.Confidence != 0.7 || got.Method != MethodExtracted {
		t.Errorf("unresolved user = %+v", got)
	}
	if got := out.Channels[0]; got.ResolvedID != "c-1" || got.Confidence != 0.95 {
		t.Errorf("channel = %+v", got)
	}
	if got := out.Tasks[0]; got.ResolvedID != "t-1" || got.SourceText != "Launch plan" {
		t.Errorf("task = %+v", got)
	}
	if len(out.Dates) != 1 || out.Files == nil {
		t.Errorf("dates/files = %+v / %+v", out.Dates, out.Files)
	}
	if in.Users[0].ResolvedID != "" {
		t.Error("input was mutated")
	}
}

func TestValidateAndEnhance_NeverRaisesConfidence(t *testing.T) {
	t.Parallel()

	r := New()
	cd := testContext()
	mentions := []string{"John", "john smith", "Bob", "the marketing lead", "Zed", "Carol", "my boss", "Eve Park"}
	for _, conf := range []float64{0, 0.3, 0.75, 0.85, 1.0} {
		var in types.ResolvedEntities
		for _, m := range mentions {
			in.Users = append(in.Users, types.EntityRef{SourceText: m, Confidence: conf})
		}
		out := r.ValidateAndEnhance(context.Background(), in, cd)
		for i, e := range out.Users {
			if e.Confidence > in.Users[i].Confidence {
				t.Errorf("%q at %.2f: confidence rose to %.2f", e.SourceText, conf, e.Confidence)
			}
		}
	}
}

// fakeQuerier records the last query and returns fixed rows.
type fakeQuerier struct {
	rows []postgres.Row
	err  error
	sql  string
	args []any
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) ([]postgres.Row, error) {
	f.sql, f.args = sql, args
	return f.rows, f.err
}

func TestSQLChannelSearcher(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{rows: []postgres.Row{{
		"id": "c-9", "name": "design_reviews", "type": "public",
		"member_count": int64(4), "last_activity": now,
	}}}
	got, err := NewSQLChannelSearcher(q).SearchChannels(context.Background(), "org-1", "design_", 5)
	if err != nil {
		t.Fatalf("SearchChannels: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c-9" || got[0].MemberCount != 4 || !got[0].LastActivity.Equal(now) {
		t.Errorf("got %+v", got)
	}
	if len(q.args) != 3 || q.args[0] != "org-1" || q.args[1] != `%design\_%` || q.args[2] != 5 {
		t.Errorf("args = %v", q.args)
	}

	q.err = errors.New("boom")
	if _, err := NewSQLChannelSearcher(q).SearchChannels(context.Background(), "org-1", "x", 5); err == nil {
		t.Error("expected error")
	}
}
