package slot

import (
	"fmt"
	"sort"
	"time"

	"github.com/nekogravitycat/booking-engine/internal/catalog"
)

const DateLayout = "2006-01-02"

// Date is a calendar date without a timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC).Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// Bounds returns the instants of local midnight of d and of the next day in loc.
func (d Date) Bounds(loc *time.Location) (start, end time.Time) {
	next := d.AddDays(1)
	return earliest(d, 0, loc), earliest(next, 0, loc)
}

// Resolve maps the wall-clock time d + minutes in loc to every instant that shows
// exactly that wall clock, in chronological order. The result is empty for a local
// time skipped by a DST gap and has two entries for a time repeated by a fall-back.
func Resolve(d Date, minutes catalog.Clock, loc *time.Location) []time.Time {
	wall := time.Date(d.Year, d.Month, d.Day, 0, int(minutes), 0, 0, time.UTC)
	guess := time.Date(d.Year, d.Month, d.Day, 0, int(minutes), 0, 0, loc)

	offsets := make(map[int]struct{}, 3)
	for _, at := range []time.Time{guess.Add(-12 * time.Hour), guess, guess.Add(12 * time.Hour)} {
		_, off := at.Zone()
		offsets[off] = struct{}{}
	}

	var out []time.Time
	for off := range offsets {
		candidate := wall.Add(-time.Duration(off) * time.Second)
		if sameWallClock(candidate.In(loc), wall) {
			out = append(out, candidate.UTC())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ResolveUnique is Resolve restricted to wall-clock times that map to exactly one instant.
func ResolveUnique(d Date, minutes catalog.Clock, loc *time.Location) (time.Time, bool) {
	instants := Resolve(d, minutes, loc)
	if len(instants) != 1 {
		return time.Time{}, false
	}
	return instants[0], true
}

// earliest resolves leniently: the first matching instant, or the instant
// time.Date normalizes a skipped wall clock to.
func earliest(d Date, minutes catalog.Clock, loc *time.Location) time.Time {
	if instants := Resolve(d, minutes, loc); len(instants) > 0 {
		return instants[0]
	}
	return time.Date(d.Year, d.Month, d.Day, 0, int(minutes), 0, 0, loc).UTC()
}

// latest is earliest with the last matching instant.
func latest(d Date, minutes catalog.Clock, loc *time.Location) time.Time {
	if instants := Resolve(d, minutes, loc); len(instants) > 0 {
		return instants[len(instants)-1]
	}
	return time.Date(d.Year, d.Month, d.Day, 0, int(minutes), 0, 0, loc).UTC()
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}
