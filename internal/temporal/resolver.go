// Package temporal resolves natural-language date and time expressions
// ("tomorrow", "next Friday", "by end of next week", "in 3 days", "3/14 at
// 3pm") to absolute timestamps and provides business-day arithmetic.
//
// Resolution is driven by an explicit ordered rule table. Rules are tried
// top to bottom and the order is a precedence contract: later rules are
// more general fallbacks that would otherwise shadow the specific ones
// ("friday" inside "by next friday"). A small table of fixed idioms ("end
// of day", "start of week") is consulted after the rules.
//
// Point-in-time rules (weekdays, calendar dates, "next week") resolve to
// the start of business hours; deadline rules ("by friday", "end of next
// month") resolve to the close of business. Relative day offset rules
// ("tomorrow", "in 3 days") keep the current time of day.
package temporal

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

// Resolution is one resolved expression.
type Resolution struct {
	// SourceText is the matched text as it appears in the input.
	SourceText string

	Date           time.Time
	Confidence     float64
	Interpretation string

	// Rule names the table entry that produced the resolution.
	Rule string

	// Start and End are the byte offsets of SourceText in the input.
	Start, End int
}

// DateRef converts r into the entity form attached to parsed commands.
func (r Resolution) DateRef() types.DateRef {
	return types.DateRef{
		SourceText:     r.SourceText,
		Date:           r.Date,
		Confidence:     r.Confidence,
		Interpretation: r.Interpretation,
	}
}

// handler turns the lower-cased submatches of a rule into a timestamp.
// ok is false when the match is not a valid date (e.g. 2/30).
type handler func(c Context, g []string) (t time.Time, confidence float64, label string, ok bool)

type rule struct {
	name    string
	pattern *regexp.Regexp
	handle  handler
}

const (
	weekdayPattern    = `(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`
	monthPattern      = `(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)`
	numberWordPattern = `an|a|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve`
	clockPattern      = `\b(?:at\s+)?(?:(\d{1,2})(?::(\d{2}))?\s*([ap])\.?\s?m\b\.?|(\d{1,2}):(\d{2})\b|(noon|midday|midnight)\b)`
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January, "february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March, "april": time.April, "apr": time.April,
	"may": time.May, "june": time.June, "jun": time.June, "july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August, "september": time.September, "sept": time.September,
	"sep": time.September, "october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November, "december": time.December, "dec": time.December,
}

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

func re(p string) *regexp.Regexp { return regexp.MustCompile(`(?i)` + p) }

// ruleTable is the precedence-ordered rule list.
var ruleTable = []rule{
	{"relative-day", re(`\b(today|tomorrow|yesterday)\b`), relativeDay},
	{"iso-date", re(`\b(\d{4})-(\d{2})-(\d{2})\b`), isoDate},
	{"end-of-period", re(`\b(?:by\s+)?end\s+of\s+(this|next)\s+(week|month)\b`), endOfPeriod},
	{"by-weekday", re(`\bby\s+(next\s+)?` + weekdayPattern + `\b`), byWeekday},
	{"relative-weekday", re(`\b(next|this|last)\s+` + weekdayPattern + `\b`), relativeWeekday},
	{"relative-period", re(`\b(next|this|last)\s+(week|month)\b`), relativePeriod},
	{"in-duration", re(`\bin\s+(\d+|` + numberWordPattern + `)\s+(day|week|month)s?\b`), inDuration},
	{"weekday", re(`\b` + weekdayPattern + `\b`), bareWeekday},
	{"numeric-date", re(`\b(\d{1,2})/(\d{1,2})(?:/(\d{4}|\d{2}))?\b`), numericDate},
	{"month-day", re(`\b` + monthPattern + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`), monthDay},
	{"day-month", re(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `(?:,?\s+(\d{4}))?\b`), dayMonth},
	{"clock-time", re(clockPattern), clockTime},
}

// fixedTable holds idioms tried after the rule table.
var fixedTable = []rule{
	{"end-of-day", re(`\b(?:end\s+of\s+(?:the\s+)?day|eod|close\s+of\s+business|cob)\b`), fixedEndOfDay},
	{"end-of-week", re(`\b(?:end\s+of\s+(?:the\s+)?week|eow)\b`), fixedEndOfWeek},
	{"start-of-week", re(`\b(?:start|beginning)\s+of\s+(?:the\s+)?week\b`), fixedStartOfWeek},
	{"end-of-month", re(`\b(?:end\s+of\s+(?:the\s+)?month|eom)\b`), fixedEndOfMonth},
	{"start-of-month", re(`\b(?:start|beginning)\s+of\s+(?:the\s+)?month\b`), fixedStartOfMonth},
	{"start-of-day", re(`\b(?:start|beginning)\s+of\s+(?:the\s+)?day\b`), fixedStartOfDay},
}

var clockRule = ruleTable[len(ruleTable)-1]

// Resolver resolves temporal expressions with the built-in tables. The zero
// value is not usable; call [New].
type Resolver struct {
	rules []rule
	fixed []rule
}

// New returns a Resolver with the built-in rule and idiom tables.
func New() *Resolver {
	return &Resolver{rules: ruleTable, fixed: fixedTable}
}

// RuleNames lists the rule table in precedence order.
func (r *Resolver) RuleNames() []string {
	names := make([]string, 0, len(r.rules))
	for _, ru := range r.rules {
		names = append(names, ru.name)
	}
	return names
}

type span struct{ start, end int }

func (s span) overlaps(o span) bool { return s.start < o.end && o.start < s.end }

// apply runs ru on every match in text and returns the valid ones that do
// not overlap consumed.
func (ru rule) apply(c Context, text string, consumed []span) []Resolution {
	var out []Resolution
	for _, idx := range ru.pattern.FindAllStringSubmatchIndex(text, -1) {
		sp := span{idx[0], idx[1]}
		if slices.ContainsFunc(consumed, sp.overlaps) {
			continue
		}
		g := groups(text, idx)
		t, conf, label, ok := ru.handle(c, g)
		if !ok {
			continue
		}
		out = append(out, Resolution{
			SourceText:     text[sp.start:sp.end],
			Date:           t,
			Confidence:     conf,
			Interpretation: describe(label, t),
			Rule:           ru.name,
			Start:          sp.start,
			End:            sp.end,
		})
		consumed = append(consumed, sp)
	}
	return out
}

// groups returns the lower-cased submatches; unmatched groups are empty.
func groups(text string, idx []int) []string {
	g := make([]string, len(idx)/2)
	for i := range g {
		if idx[2*i] >= 0 {
			g[i] = strings.ToLower(text[idx[2*i]:idx[2*i+1]])
		}
	}
	return g
}

func describe(label string, t time.Time) string {
	return fmt.Sprintf("%s (%s)", label, t.Format("Mon 2006-01-02 15:04"))
}

// ResolveDate resolves the first expression in text, trying the rule table
// in order and then the idiom table. When a date rule matches and text also
// carries a clock time, the clock time is applied to the date.
func (r *Resolver) ResolveDate(text string, c Context) (Resolution, bool) {
	c = c.normalized()
	for _, ru := range r.rules {
		res := ru.apply(c, text, nil)
		if len(res) == 0 {
			continue
		}
		first := res[0]
		if ru.name != clockRule.name {
			clocks := clockRule.apply(c, text, []span{{first.Start, first.End}})
			if len(clocks) > 0 {
				first = withClock(first, clocks[0])
			}
		}
		return first, true
	}
	for _, ru := range r.fixed {
		if res := ru.apply(c, text, nil); len(res) > 0 {
			return res[0], true
		}
	}
	return Resolution{}, false
}

// ResolveDatesInText resolves every non-overlapping expression in text.
// Rules claim character ranges in precedence order; a later, more general
// rule never re-resolves part of an earlier match. Clock times adjacent to
// a date are folded into it. Results are ordered by position.
func (r *Resolver) ResolveDatesInText(text string, c Context) []Resolution {
	c = c.normalized()
	var (
		out      []Resolution
		consumed []span
	)
	claim := func(res []Resolution) {
		for _, x := range res {
			out = append(out, x)
			consumed = append(consumed, span{x.Start, x.End})
		}
	}
	for _, ru := range r.rules {
		if ru.name == clockRule.name {
			continue
		}
		claim(ru.apply(c, text, consumed))
	}
	for _, ru := range r.fixed {
		claim(ru.apply(c, text, consumed))
	}

	for _, clk := range clockRule.apply(c, text, consumed) {
		if i := adjacentTo(text, out, clk); i >= 0 {
			out[i] = withClock(out[i], clk)
			out[i].Start = min(out[i].Start, clk.Start)
			out[i].End = max(out[i].End, clk.End)
			out[i].SourceText = text[out[i].Start:out[i].End]
			continue
		}
		out = append(out, clk)
	}

	slices.SortFunc(out, func(a, b Resolution) int { return a.Start - b.Start })
	return out
}

// adjacentTo returns the index of the resolution separated from clk only
// by whitespace, commas or the words "at"/"on", or -1.
func adjacentTo(text string, res []Resolution, clk Resolution) int {
	for i, x := range res {
		var gap string
		switch {
		case x.End <= clk.Start:
			gap = text[x.End:clk.Start]
		case clk.End <= x.Start:
			gap = text[clk.End:x.Start]
		default:
			continue
		}
		if isFiller(gap) {
			return i
		}
	}
	return -1
}

func isFiller(gap string) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(gap), func(r rune) bool { return r == ' ' || r == ',' || r == '\t' }) {
		if w != "at" && w != "on" {
			return false
		}
	}
	return true
}

// withClock moves d's date to the clock time of clk.
func withClock(d, clk Resolution) Resolution {
	loc := d.Date.Location()
	y, m, day := d.Date.Date()
	d.Date = time.Date(y, m, day, clk.Date.Hour(), clk.Date.Minute(), 0, 0, loc)
	d.Interpretation = describe(strings.TrimSpace(labelOf(d.Interpretation)+" at "+clk.Date.Format("15:04")), d.Date)
	return d
}

// labelOf strips the formatted date from an interpretation.
func labelOf(interp string) string {
	if i := strings.LastIndex(interp, " ("); i >= 0 {
		return interp[:i]
	}
	return interp
}

// --- rule handlers ---

func relativeDay(c Context, g []string) (time.Time, float64, string, bool) {
	switch g[1] {
	case "today":
		return c.Now, 1.0, "today", true
	case "tomorrow":
		return c.Now.AddDate(0, 0, 1), 1.0, "tomorrow", true
	default:
		return c.Now.AddDate(0, 0, -1), 1.0, "yesterday", true
	}
}

func isoDate(c Context, g []string) (time.Time, float64, string, bool) {
	y, _ := strconv.Atoi(g[1])
	m, _ := strconv.Atoi(g[2])
	d, _ := strconv.Atoi(g[3])
	t, ok := validDate(y, time.Month(m), d, c.BusinessStart, c.Location)
	return t, 1.0, "calendar date", ok
}

func endOfPeriod(c Context, g []string) (time.Time, float64, string, bool) {
	offset := 0
	if g[1] == "next" {
		offset = 1
	}
	label := "end of " + g[1] + " " + g[2]
	if g[2] == "week" {
		return c.endOfWeek(offset), 0.85, label, true
	}
	return c.endOfMonth(offset), 0.85, label, true
}

func byWeekday(c Context, g []string) (time.Time, float64, string, bool) {
	wd := weekdays[g[2]]
	var d time.Time
	label := "by " + g[2]
	if strings.TrimSpace(g[1]) == "next" {
		d = c.startOfWeek().AddDate(0, 0, 7+weekOffset(wd))
		label = "by next " + g[2]
	} else {
		// "by friday" said on a Friday means today while the day is still open.
		if today := c.at(c.Now, c.BusinessEnd, 0); wd == c.Now.Weekday() && today.After(c.Now) {
			return today, 0.9, label, true
		}
		d = nextOccurrence(c.Now, wd)
	}
	return c.at(d, c.BusinessEnd, 0), 0.9, label, true
}

func relativeWeekday(c Context, g []string) (time.Time, float64, string, bool) {
	wd := weekdays[g[2]]
	var d time.Time
	switch g[1] {
	case "next":
		d = c.startOfWeek().AddDate(0, 0, 7+weekOffset(wd))
	case "this":
		d = c.Now.AddDate(0, 0, (int(wd)-int(c.Now.Weekday())+7)%7)
	default:
		back := (int(c.Now.Weekday()) - int(wd) + 7) % 7
		if back == 0 {
			back = 7
		}
		d = c.Now.AddDate(0, 0, -back)
	}
	return c.at(d, c.BusinessStart, 0), 0.95, g[1] + " " + g[2], true
}

func relativePeriod(c Context, g []string) (time.Time, float64, string, bool) {
	label := g[1] + " " + g[2]
	switch {
	case g[2] == "week" && g[1] == "next":
		return c.startOfWeekAt(1), 0.8, label, true
	case g[2] == "week" && g[1] == "last":
		return c.startOfWeekAt(-1), 0.8, label, true
	case g[2] == "week":
		return c.endOfWeek(0), 0.7, label, true
	case g[1] == "next":
		return c.startOfMonth(1), 0.8, label, true
	case g[1] == "last":
		return c.startOfMonth(-1), 0.8, label, true
	default:
		return c.endOfMonth(0), 0.7, label, true
	}
}

func inDuration(c Context, g []string) (time.Time, float64, string, bool) {
	n, ok := numberWords[g[1]]
	if !ok {
		var err error
		if n, err = strconv.Atoi(g[1]); err != nil || n > 1000 {
			return time.Time{}, 0, "", false
		}
	}
	label := fmt.Sprintf("in %d %s(s)", n, g[2])
	switch g[2] {
	case "day":
		return c.Now.AddDate(0, 0, n), 0.95, label, true
	case "week":
		return c.Now.AddDate(0, 0, 7*n), 0.95, label, true
	default:
		return addMonths(c.Now, n), 0.95, label, true
	}
}

func bareWeekday(c Context, g []string) (time.Time, float64, string, bool) {
	d := nextOccurrence(c.Now, weekdays[g[1]])
	return c.at(d, c.BusinessStart, 0), 0.85, g[1], true
}

// nextOccurrence returns the next date after now falling on wd. It is
// never now's own date.
func nextOccurrence(now time.Time, wd time.Weekday) time.Time {
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return now.AddDate(0, 0, days)
}

func numericDate(c Context, g []string) (time.Time, float64, string, bool) {
	m, _ := strconv.Atoi(g[1])
	d, _ := strconv.Atoi(g[2])
	return calendarDate(c, time.Month(m), d, g[3], "calendar date")
}

func monthDay(c Context, g []string) (time.Time, float64, string, bool) {
	d, _ := strconv.Atoi(g[2])
	return calendarDate(c, months[g[1]], d, g[3], g[1]+" "+g[2])
}

func dayMonth(c Context, g []string) (time.Time, float64, string, bool) {
	d, _ := strconv.Atoi(g[1])
	return calendarDate(c, months[g[2]], d, g[3], g[2]+" "+g[1])
}

// calendarDate resolves month/day with an optional year. Without a year
// the next occurrence from today is used.
func calendarDate(c Context, m time.Month, d int, year, label string) (time.Time, float64, string, bool) {
	if year != "" {
		y, _ := strconv.Atoi(year)
		if y < 100 {
			y += 2000
		}
		t, ok := validDate(y, m, d, c.BusinessStart, c.Location)
		return t, 0.9, label, ok
	}
	t, ok := validDate(c.Now.Year(), m, d, c.BusinessStart, c.Location)
	if !ok {
		// Feb 29 outside a leap year.
		t, ok = validDate(c.Now.Year()+1, m, d, c.BusinessStart, c.Location)
		return t, 0.9, label, ok
	}
	if t.Before(c.at(c.Now, 0, 0)) {
		t, ok = validDate(c.Now.Year()+1, m, d, c.BusinessStart, c.Location)
	}
	return t, 0.9, label, ok
}

// validDate builds the date and rejects out-of-range components instead of
// normalising them.
func validDate(y int, m time.Month, d, hour int, loc *time.Location) (time.Time, bool) {
	if m < time.January || m > time.December || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, m, d, hour, 0, 0, 0, loc)
	if t.Month() != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// clockOf parses the clock-time submatches.
func clockOf(g []string) (hour, minute int, ok bool) {
	switch {
	case g[6] != "":
		if g[6] == "midnight" {
			return 0, 0, true
		}
		return 12, 0, true
	case g[3] != "":
		hour, _ = strconv.Atoi(g[1])
		if g[2] != "" {
			minute, _ = strconv.Atoi(g[2])
		}
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false
		}
		hour %= 12
		if g[3] == "p" {
			hour += 12
		}
		return hour, minute, true
	default:
		hour, _ = strconv.Atoi(g[4])
		minute, _ = strconv.Atoi(g[5])
		if hour > 23 || minute > 59 {
			return 0, 0, false
		}
		return hour, minute, true
	}
}

func clockTime(c Context, g []string) (time.Time, float64, string, bool) {
	h, m, ok := clockOf(g)
	if !ok {
		return time.Time{}, 0, "", false
	}
	t := c.at(c.Now, h, m)
	if !t.After(c.Now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, 0.85, fmt.Sprintf("at %02d:%02d", h, m), true
}

// --- idiom handlers ---

func fixedEndOfDay(c Context, _ []string) (time.Time, float64, string, bool) {
	return c.at(c.Now, c.BusinessEnd, 0), 0.9, "end of day", true
}

func fixedStartOfDay(c Context, _ []string) (time.Time, float64, string, bool) {
	return c.at(c.Now, c.BusinessStart, 0), 0.8, "start of day", true
}

func fixedEndOfWeek(c Context, _ []string) (time.Time, float64, string, bool) {
	return c.endOfWeek(0), 0.85, "end of week", true
}

func fixedStartOfWeek(c Context, _ []string) (time.Time, float64, string, bool) {
	t := c.startOfWeekAt(0)
	if t.Before(c.Now) {
		t = c.startOfWeekAt(1)
	}
	return t, 0.8, "start of week", true
}

func fixedEndOfMonth(c Context, _ []string) (time.Time, float64, string, bool) {
	return c.endOfMonth(0), 0.85, "end of month", true
}

func fixedStartOfMonth(c Context, _ []string) (time.Time, float64, string, bool) {
	t := c.startOfMonth(0)
	if t.Before(c.Now) {
		t = c.startOfMonth(1)
	}
	return t, 0.8, "start of month", true
}
