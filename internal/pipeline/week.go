package pipeline

import (
	"fmt"
	"math"
	"time"
)

// Week is one reporting week: [Start, End), Monday 00:00 to the following
// Monday 00:00 in the report timezone. Around a DST transition the window is
// 167 or 169 wall-clock hours; the local boundaries stay at midnight.
type Week struct {
	Start time.Time
	End   time.Time
	Key   string // ISO week, e.g. "2026-W35"
}

// PreviousWeek returns the most recent complete week before now in loc.
func PreviousWeek(now time.Time, loc *time.Location) Week {
	local := now.In(loc)

	// Monday 00:00 of the week containing now. time.Weekday counts Sunday
	// as 0, ISO weeks start on Monday.
	daysSinceMonday := int(local.Weekday()) - 1
	if daysSinceMonday < 0 {
		daysSinceMonday = 6
	}
	thisMonday := time.Date(local.Year(), local.Month(), local.Day()-daysSinceMonday, 0, 0, 0, 0, loc)
	lastMonday := time.Date(thisMonday.Year(), thisMonday.Month(), thisMonday.Day()-7, 0, 0, 0, 0, loc)

	return Week{Start: lastMonday, End: thisMonday, Key: ISOWeekKey(lastMonday)}
}

// ISOWeekKey formats the ISO 8601 week of t, e.g. "2026-W01".
func ISOWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// FormatDelta renders the percentage change from previous to current, e.g.
// "+20%" or "-8%". A zero baseline has no meaningful percentage change and
// renders as "n/a".
func FormatDelta(current, previous float64) string {
	if previous == 0 {
		return "n/a"
	}
	pct := (current - previous) / previous * 100
	return fmt.Sprintf("%+.0f%%", pct)
}

// round2 rounds to two decimal places for persistence.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
