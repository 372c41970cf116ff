// Package slot computes bookable time slots from weekly availability rules.
//
// Everything here is pure: callers fetch rules, bookings and the clock, and the
// functions only compute. Results are advisory; the booking guard re-validates
// at write time.
package slot

import (
	"sort"
	"time"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
)

// Slot is a candidate bookable interval [StartTime, EndTime) in UTC.
type Slot struct {
	StartTime time.Time
	EndTime   time.Time
}

// Interval is an occupied range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the interval.
func (i Interval) Overlaps(start, end time.Time) bool {
	return start.Before(i.End) && end.After(i.Start)
}

// Policy is a service-level booking window relative to now.
type Policy struct {
	MinAdvance time.Duration
	MaxAdvance time.Duration // zero means unbounded
}

// Allows reports whether a slot starting at start may be booked at now.
func (p Policy) Allows(start, now time.Time) bool {
	if start.Before(now.Add(p.MinAdvance)) {
		return false
	}
	if p.MaxAdvance > 0 && start.After(now.Add(p.MaxAdvance)) {
		return false
	}
	return true
}

// Input gathers everything Generate needs.
type Input struct {
	Date     Date
	Location *time.Location
	Rules    []catalog.AvailabilityRule
	Duration time.Duration
	Busy     []Interval
	Policy   Policy
	Now      time.Time

	// Logf receives one line per skipped rule or candidate. Optional.
	Logf func(format string, args ...any)
}

// Generate returns the free fixed-length slots of in.Date in chronological order.
//
// Each rule window is walked from its local start in Duration steps. Candidates whose
// local start is skipped or repeated by a DST transition are dropped, as are candidates
// outside the booking window, overlapping a busy interval, or overlapping an earlier
// candidate from another rule.
func Generate(in Input) []Slot {
	logf := in.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	step := catalog.Clock(in.Duration / time.Minute)
	if step <= 0 {
		logf("non-positive duration %s, no slots", in.Duration)
		return nil
	}

	weekday := in.Date.Weekday()
	var candidates []Slot
	for _, rule := range in.Rules {
		if err := rule.Validate(); err != nil {
			logf("skip rule %s of business %s: %v", rule, rule.BusinessID, err)
			continue
		}
		if rule.DayOfWeek != weekday {
			logf("skip rule %s of business %s: not a %s rule", rule, rule.BusinessID, weekday)
			continue
		}

		windowEnd := latest(in.Date, rule.EndTime, loc)
		for cursor := rule.StartTime; cursor+step <= rule.EndTime; cursor += step {
			start, ok := ResolveUnique(in.Date, cursor, loc)
			if !ok {
				logf("skip candidate %s %s in %s: local time is not unique", in.Date, cursor, loc)
				continue
			}
			end := start.Add(in.Duration)
			// Across a DST gap the wall-clock grid can outrun the window in real time.
			if end.After(windowEnd) {
				continue
			}
			candidates = append(candidates, Slot{StartTime: start, EndTime: end})
		}
	}

	free := candidates[:0]
	for _, c := range candidates {
		if !in.Policy.Allows(c.StartTime, in.Now) {
			continue
		}
		if overlapsAny(in.Busy, c.StartTime, c.EndTime) {
			continue
		}
		free = append(free, c)
	}

	sort.SliceStable(free, func(i, j int) bool {
		if free[i].StartTime.Equal(free[j].StartTime) {
			return free[i].EndTime.Before(free[j].EndTime)
		}
		return free[i].StartTime.Before(free[j].StartTime)
	})

	var out []Slot
	for _, c := range free {
		if n := len(out); n > 0 && c.StartTime.Before(out[n-1].EndTime) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Covers reports whether [start, end) lies inside a single rule window on the local
// day of start in loc.
func Covers(rules []catalog.AvailabilityRule, loc *time.Location, start, end time.Time) bool {
	if loc == nil {
		loc = time.UTC
	}
	if !start.Before(end) {
		return false
	}

	day := DateOf(start.In(loc))
	weekday := day.Weekday()
	for _, rule := range rules {
		if rule.DayOfWeek != weekday || rule.Validate() != nil {
			continue
		}
		windowStart := earliest(day, rule.StartTime, loc)
		windowEnd := latest(day, rule.EndTime, loc)
		if !start.Before(windowStart) && !end.After(windowEnd) {
			return true
		}
	}
	return false
}

func overlapsAny(busy []Interval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
