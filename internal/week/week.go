// Package week defines the single week-boundary convention shared by every
// component: weeks start on Monday at 00:00 UTC.
package week

import "time"

// Length is the span of one viewport.
const Length = 7 * 24 * time.Hour

// Start normalizes t to the Monday 00:00 UTC that begins its week.
func Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// End returns the exclusive end of the week containing t.
func End(t time.Time) time.Time {
	return Start(t).Add(Length)
}

// Same reports whether a and b fall in the same calendar week.
func Same(a, b time.Time) bool {
	return Start(a).Equal(Start(b))
}

// Contains reports whether [start, end) lies inside the week beginning at
// weekStart, using the listing rule start >= weekStart and end < weekEnd.
func Contains(weekStart, start, end time.Time) bool {
	ws := Start(weekStart)
	return !start.Before(ws) && end.Before(ws.Add(Length))
}
