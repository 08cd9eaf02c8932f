package temporal

import (
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/voicecmd/pkg/types"
)

// DefaultWorkingDays is Monday through Friday.
var DefaultWorkingDays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

const (
	defaultBusinessStart = 9
	defaultBusinessEnd   = 17
)

// Context is the time frame expressions are resolved in. Zero fields take
// defaults: Now is the current time, Location is Now's location,
// WorkingDays is [DefaultWorkingDays] and business hours are 09:00–17:00.
type Context struct {
	Now           time.Time
	Location      *time.Location
	WorkingDays   []time.Weekday
	BusinessStart int
	BusinessEnd   int
}

// NewContext returns a Context at now in the named IANA zone. An unknown
// zone falls back to UTC with a warning.
func NewContext(now time.Time, timezone string) Context {
	c := Context{Now: now}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			slog.Warn("unknown timezone, using UTC", "timezone", timezone, "error", err)
			loc = time.UTC
		}
		c.Location = loc
	}
	return c.normalized()
}

// normalized returns c with defaults applied and Now moved into Location.
func (c Context) normalized() Context {
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	if c.Location == nil {
		c.Location = c.Now.Location()
	}
	c.Now = c.Now.In(c.Location)
	if len(c.WorkingDays) == 0 {
		c.WorkingDays = DefaultWorkingDays
	}
	if c.BusinessStart == 0 && c.BusinessEnd == 0 {
		c.BusinessStart, c.BusinessEnd = defaultBusinessStart, defaultBusinessEnd
	}
	return c
}

// Snapshot returns the temporal part of an organization context snapshot.
func (c Context) Snapshot() types.TemporalSnapshot {
	c = c.normalized()
	return types.TemporalSnapshot{
		CurrentTime:        c.Now,
		Timezone:           c.Location.String(),
		WorkingDays:        slices.Clone(c.WorkingDays),
		BusinessHoursStart: c.BusinessStart,
		BusinessHoursEnd:   c.BusinessEnd,
	}
}

// FromSnapshot rebuilds a Context from a snapshot.
func FromSnapshot(s types.TemporalSnapshot) Context {
	c := NewContext(s.CurrentTime, s.Timezone)
	if len(s.WorkingDays) > 0 {
		c.WorkingDays = slices.Clone(s.WorkingDays)
	}
	if s.BusinessHoursStart != 0 || s.BusinessHoursEnd != 0 {
		c.BusinessStart, c.BusinessEnd = s.BusinessHoursStart, s.BusinessHoursEnd
	}
	return c
}

// IsBusinessDay reports whether t falls on a configured working day.
func (c Context) IsBusinessDay(t time.Time) bool {
	c = c.normalized()
	return slices.Contains(c.WorkingDays, t.In(c.Location).Weekday())
}

// NextBusinessDay returns the first working day strictly after t, keeping
// t's time of day.
func (c Context) NextBusinessDay(t time.Time) time.Time {
	c = c.normalized()
	d := t.In(c.Location)
	for range 7 {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			return d
		}
	}
	return t.AddDate(0, 0, 1)
}

// AddBusinessDays moves t by n working days, counting only working days.
// Negative n moves backwards; zero returns t.
func (c Context) AddBusinessDays(t time.Time, n int) time.Time {
	c = c.normalized()
	d := t.In(c.Location)
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsBusinessDay(d) {
			n--
		}
	}
	return d
}

// at returns d's calendar date at hour:minute in c's location.
func (c Context) at(d time.Time, hour, minute int) time.Time {
	y, m, day := d.In(c.Location).Date()
	return time.Date(y, m, day, hour, minute, 0, 0, c.Location)
}

// weekOffset is the 0-based position of wd in a Monday-first week.
func weekOffset(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// startOfWeek is midnight of Monday of the current week.
func (c Context) startOfWeek() time.Time {
	return c.at(c.Now.AddDate(0, 0, -weekOffset(c.Now.Weekday())), 0, 0)
}

// lastWorkingOffset is the week offset of the last working day.
func (c Context) lastWorkingOffset() int {
	last := 0
	for _, wd := range c.WorkingDays {
		last = max(last, weekOffset(wd))
	}
	return last
}

// firstWorkingOffset is the week offset of the first working day.
func (c Context) firstWorkingOffset() int {
	first := 6
	for _, wd := range c.WorkingDays {
		first = min(first, weekOffset(wd))
	}
	return first
}

// endOfWeek is the close of business on the last working day of the week
// weeks after the current one.
func (c Context) endOfWeek(weeks int) time.Time {
	d := c.startOfWeek().AddDate(0, 0, 7*weeks+c.lastWorkingOffset())
	return c.at(d, c.BusinessEnd, 0)
}

// startOfWeekAt is the start of business on the first working day of the
// week weeks after the current one.
func (c Context) startOfWeekAt(weeks int) time.Time {
	d := c.startOfWeek().AddDate(0, 0, 7*weeks+c.firstWorkingOffset())
	return c.at(d, c.BusinessStart, 0)
}

// endOfMonth is the close of business on the last day of the month months
// after the current one.
func (c Context) endOfMonth(months int) time.Time {
	y, m, _ := c.Now.Date()
	return time.Date(y, m+time.Month(months)+1, 0, c.BusinessEnd, 0, 0, 0, c.Location)
}

// startOfMonth is the start of business on the first day of the month
// months after the current one.
func (c Context) startOfMonth(months int) time.Time {
	y, m, _ := c.Now.Date()
	return time.Date(y, m+time.Month(months), 1, c.BusinessStart, 0, 0, 0, c.Location)
}

// addMonths adds n calendar months to t, clamping the day to the length of
// the target month (Jan 31 + 1 month is the last day of February).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}
