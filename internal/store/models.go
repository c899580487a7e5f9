package store

import "time"

// User is a client that can hold bookmarks.
type User struct {
	ID                string
	PreferredCurrency string
}

// Schedule is a shared itinerary. Its init fields seed the viewport of a
// client when nothing else is known.
type Schedule struct {
	ID                 string
	InitWeekStart      time.Time
	InitTimezoneOffset int
}

// Bookmark remembers the last week a user viewed on a schedule.
type Bookmark struct {
	UserID         string
	ScheduleID     string
	WeekStart      time.Time
	TimezoneOffset int
}

// Activity is one entry on a schedule. Start and End are UTC and activities
// on the same schedule never strictly overlap.
type Activity struct {
	ID            string
	ScheduleID    string
	Title         string
	Type          string
	Cost          *Cost
	Start         time.Time
	End           time.Time
	Location      string
	LocalTimezone int
	DestLocation  *string
	Version       int
}

// Overlaps reports whether a and b strictly intersect. Touching endpoints do
// not count.
func (a Activity) Overlaps(b Activity) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

// ActivityDescription is the optional free text attached to an activity.
type ActivityDescription struct {
	ActivityID string
	Text       string
}

// ScheduleAccess grants a receiver access to an owner's schedule.
type ScheduleAccess struct {
	ScheduleID string
	OwnerID    string
	ReceiverID string
	AccessType string
}

// DefaultActivityType is stored when a client omits the type.
const DefaultActivityType = "Default"
