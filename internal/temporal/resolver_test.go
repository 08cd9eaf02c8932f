package temporal

import (
	"testing"
	"time"
)

// wed is Wednesday 2025-03-12 10:30 UTC.
var wed = time.Date(2025, time.March, 12, 10, 30, 0, 0, time.UTC)

func date(m time.Month, d, h, min int) time.Time {
	return time.Date(2025, m, d, h, min, 0, 0, time.UTC)
}

func TestResolveDate_Rules(t *testing.T) {
	t.Parallel()

	r := New()
	c := Context{Now: wed}
	tests := []struct {
		text     string
		want     time.Time
		conf     float64
		wantRule string
	}{
		{"tomorrow", date(time.March, 13, 10, 30), 1.0, "relative-day"},
		{"today", wed, 1.0, "relative-day"},
		{"yesterday", date(time.March, 11, 10, 30), 1.0, "relative-day"},
		{"due 2025-04-01", date(time.April, 1, 9, 0), 1.0, "iso-date"},
		{"by end of this week", date(time.March, 14, 17, 0), 0.85, "end-of-period"},
		{"end of next month", date(time.April, 30, 17, 0), 0.85, "end-of-period"},
		{"by Friday", date(time.March, 14, 17, 0), 0.9, "by-weekday"},
		{"by next Friday", date(time.March, 21, 17, 0), 0.9, "by-weekday"},
		{"next Friday", date(time.March, 21, 9, 0), 0.95, "relative-weekday"},
		{"this Friday", date(time.March, 14, 9, 0), 0.95, "relative-weekday"},
		{"last Monday", date(time.March, 10, 9, 0), 0.95, "relative-weekday"},
		{"next Monday", date(time.March, 17, 9, 0), 0.95, "relative-weekday"},
		{"next week", date(time.March, 17, 9, 0), 0.8, "relative-period"},
		{"last week", date(time.March, 3, 9, 0), 0.8, "relative-period"},
		{"this week", date(time.March, 14, 17, 0), 0.7, "relative-period"},
		{"next month", date(time.April, 1, 9, 0), 0.8, "relative-period"},
		{"this month", date(time.March, 31, 17, 0), 0.7, "relative-period"},
		{"in 3 days", date(time.March, 15, 10, 30), 0.95, "in-duration"},
		{"in two weeks", date(time.March, 26, 10, 30), 0.95, "in-duration"},
		{"in a month", date(time.April, 12, 10, 30), 0.95, "in-duration"},
		{"friday", date(time.March, 14, 9, 0), 0.85, "weekday"},
		{"wednesday", date(time.March, 19, 9, 0), 0.85, "weekday"},
		{"on 3/14", date(time.March, 14, 9, 0), 0.9, "numeric-date"},
		{"March 20th", date(time.March, 20, 9, 0), 0.9, "month-day"},
		{"the 5th of April", date(time.April, 5, 9, 0), 0.9, "day-month"},
		{"at 3pm", date(time.March, 12, 15, 0), 0.85, "clock-time"},
		{"at 9am", date(time.March, 13, 9, 0), 0.85, "clock-time"},
		{"at 15:45", date(time.March, 12, 15, 45), 0.85, "clock-time"},
		{"noon", date(time.March, 12, 12, 0), 0.85, "clock-time"},
		{"at 5 p.m.", date(time.March, 12, 17, 0), 0.85, "clock-time"},
		{"at 9 a.m. sharp", date(time.March, 13, 9, 0), 0.85, "clock-time"},
		{"around 4:30 P.M.", date(time.March, 12, 16, 30), 0.85, "clock-time"},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			got, ok := r.ResolveDate(tc.text, c)
			if !ok {
				t.Fatalf("ResolveDate(%q) found nothing", tc.text)
			}
			if !got.Date.Equal(tc.want) {
				t.Errorf("date = %s, want %s", got.Date, tc.want)
			}
			if got.Confidence != tc.conf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tc.conf)
			}
			if got.Rule != tc.wantRule {
				t.Errorf("rule = %q, want %q", got.Rule, tc.wantRule)
			}
			if got.Interpretation == "" {
				t.Error("empty interpretation")
			}
		})
	}
}

func TestResolveDate_TomorrowIsOneCalendarDay(t *testing.T) {
	t.Parallel()

	r := New()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Walk across the March DST change.
	start := time.Date(2025, time.March, 25, 23, 15, 0, 0, loc)
	for i := range 14 {
		now := start.AddDate(0, 0, i)
		got, ok := r.ResolveDate("remind me tomorrow", Context{Now: now})
		if !ok {
			t.Fatalf("%s: no resolution", now)
		}
		want := now.AddDate(0, 0, 1)
		if !got.Date.Equal(want) || got.Confidence != 1.0 {
			t.Errorf("%s: tomorrow = %s (%.2f), want %s", now, got.Date, got.Confidence, want)
		}
	}
}

func TestResolveDate_ByTodaysWeekday(t *testing.T) {
	t.Parallel()

	r := New()
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"friday morning", date(time.March, 14, 9, 15), date(time.March, 14, 17, 0)},
		{"friday after close", date(time.March, 14, 18, 0), date(time.March, 21, 17, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := r.ResolveDate("by Friday", Context{Now: tt.now})
			if !ok {
				t.Fatal("no resolution")
			}
			if !got.Date.Equal(tt.want) {
				t.Errorf("date = %s, want %s", got.Date, tt.want)
			}
			if got.Rule != "by-weekday" {
				t.Errorf("rule = %q, want by-weekday", got.Rule)
			}
		})
	}
}

func TestResolveDate_ClockSupplement(t *testing.T) {
	t.Parallel()

	r := New()
	got, ok := r.ResolveDate("tomorrow at 3pm", Context{Now: wed})
	if !ok {
		t.Fatal("no resolution")
	}
	if want := date(time.March, 13, 15, 0); !got.Date.Equal(want) {
		t.Errorf("date = %s, want %s", got.Date, want)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got.Confidence)
	}

	got, _ = r.ResolveDate("schedule it next monday at 14:30", Context{Now: wed})
	if want := date(time.March, 17, 14, 30); !got.Date.Equal(want) {
		t.Errorf("date = %s, want %s", got.Date, want)
	}
}

func TestResolveDate_Fixed(t *testing.T) {
	t.Parallel()

	r := New()
	c := Context{Now: wed}
	tests := []struct {
		text string
		want time.Time
	}{
		{"finish by end of day", date(time.March, 12, 17, 0)},
		{"EOD please", date(time.March, 12, 17, 0)},
		{"end of the week", date(time.March, 14, 17, 0)},
		{"start of week", date(time.March, 17, 9, 0)},
		{"end of month", date(time.March, 31, 17, 0)},
		{"start of month", date(time.April, 1, 9, 0)},
		{"start of day", date(time.March, 12, 9, 0)},
	}
	for _, tc := range tests {
		got, ok := r.ResolveDate(tc.text, c)
		if !ok {
			t.Errorf("%q: no resolution", tc.text)
			continue
		}
		if !got.Date.Equal(tc.want) {
			t.Errorf("%q: date = %s, want %s", tc.text, got.Date, tc.want)
		}
	}
}

func TestResolveDate_NoMatch(t *testing.T) {
	t.Parallel()

	r := New()
	for _, text := range []string{"", "create a channel for marketing", "due 2025-02-30", "at 25:00", "13/40"} {
		if got, ok := r.ResolveDate(text, Context{Now: wed}); ok {
			t.Errorf("ResolveDate(%q) = %+v, want no match", text, got)
		}
	}
}

func TestResolveDate_CalendarDateRollsToNextYear(t *testing.T) {
	t.Parallel()

	r := New()
	got, ok := r.ResolveDate("3/1", Context{Now: wed})
	if !ok {
		t.Fatal("no resolution")
	}
	if want := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC); !got.Date.Equal(want) {
		t.Errorf("date = %s, want %s", got.Date, want)
	}
	got, _ = r.ResolveDate("3/1/2025", Context{Now: wed})
	if want := date(time.March, 1, 9, 0); !got.Date.Equal(want) {
		t.Errorf("explicit year: date = %s, want %s", got.Date, want)
	}
}

func TestResolveDatesInText_NonOverlapping(t *testing.T) {
	t.Parallel()

	r := New()
	text := "Create a task due tomorrow at 3pm and review it by next Friday"
	got := r.ResolveDatesInText(text, Context{Now: wed})
	if len(got) != 2 {
		t.Fatalf("got %d resolutions: %+v", len(got), got)
	}
	if got[0].SourceText != "tomorrow at 3pm" || !got[0].Date.Equal(date(time.March, 13, 15, 0)) {
		t.Errorf("first = %q %s", got[0].SourceText, got[0].Date)
	}
	if got[1].SourceText != "by next Friday" || got[1].Rule != "by-weekday" {
		t.Errorf("second = %q (%s)", got[1].SourceText, got[1].Rule)
	}
	if got[0].Start >= got[1].Start {
		t.Error("results not ordered by position")
	}
	for _, res := range got {
		if text[res.Start:res.End] != res.SourceText {
			t.Errorf("offsets %d..%d do not match %q", res.Start, res.End, res.SourceText)
		}
	}
}

func TestResolveDatesInText_StandaloneClockAndIdiom(t *testing.T) {
	t.Parallel()

	r := New()
	got := r.ResolveDatesInText("standup at 9am, report by end of day", Context{Now: wed})
	if len(got) != 2 {
		t.Fatalf("got %d resolutions: %+v", len(got), got)
	}
	if got[0].Rule != "clock-time" || got[1].Rule != "end-of-day" {
		t.Errorf("rules = %s, %s", got[0].Rule, got[1].Rule)
	}
}

func TestRuleNames_Precedence(t *testing.T) {
	t.Parallel()

	names := New().RuleNames()
	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	for _, pair := range [][2]string{
		{"end-of-period", "relative-period"},
		{"by-weekday", "relative-weekday"},
		{"relative-weekday", "weekday"},
		{"weekday", "clock-time"},
	} {
		if pos[pair[0]] >= pos[pair[1]] {
			t.Errorf("%s must precede %s", pair[0], pair[1])
		}
	}
}

func TestAddMonths_ClampsDay(t *testing.T) {
	t.Parallel()

	got := addMonths(time.Date(2025, time.January, 31, 8, 0, 0, 0, time.UTC), 1)
	if want := time.Date(2025, time.February, 28, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("addMonths = %s, want %s", got, want)
	}
}
