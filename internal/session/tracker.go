package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/orca/internal/store"
	"github.com/jw6ventures/orca/internal/week"
)

// ErrScheduleNotFound is returned by Resolve for an unknown schedule.
var ErrScheduleNotFound = errors.New("schedule not found")

// Tracker seeds a session's viewport on connect and stores it as a bookmark
// on disconnect.
type Tracker struct {
	schedules  store.ScheduleRepository
	activities store.ActivityRepository
	bookmarks  store.BookmarkRepository
	log        *logrus.Entry
}

func NewTracker(st *store.Store, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		schedules:  st.Schedules,
		activities: st.Activities,
		bookmarks:  st.Bookmarks,
		log:        log.WithField("component", "tracker"),
	}
}

// Resolve picks the initial week for clientID on scheduleID: the stored
// bookmark, else the week of the earliest activity, else the schedule's
// initial week.
func (t *Tracker) Resolve(ctx context.Context, clientID, scheduleID string) (time.Time, error) {
	schedule, err := t.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
		}
		return time.Time{}, fmt.Errorf("load schedule: %w", err)
	}

	bookmark, err := t.bookmarks.Get(ctx, clientID, scheduleID)
	switch {
	case err == nil:
		return week.Start(bookmark.WeekStart), nil
	case !errors.Is(err, store.ErrNotFound):
		return time.Time{}, fmt.Errorf("load bookmark: %w", err)
	}

	earliest, err := t.activities.EarliestStart(ctx, scheduleID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load earliest activity: %w", err)
	}
	if earliest != nil {
		return week.Start(*earliest), nil
	}
	return week.Start(schedule.InitWeekStart), nil
}

// Persist stores the session's current week. An existing bookmark keeps its
// timezone offset; a new one takes the offset of the first activity in that
// week, or the schedule's initial offset.
func (t *Tracker) Persist(ctx context.Context, s *Session) error {
	target := s.TargetWeek()
	bookmark := store.Bookmark{
		UserID:     s.clientID,
		ScheduleID: s.scheduleID,
		WeekStart:  target,
	}

	existing, err := t.bookmarks.Get(ctx, s.clientID, s.scheduleID)
	switch {
	case err == nil:
		bookmark.TimezoneOffset = existing.TimezoneOffset
	case errors.Is(err, store.ErrNotFound):
		offset, err := t.timezoneFor(ctx, s.scheduleID, target)
		if err != nil {
			return err
		}
		bookmark.TimezoneOffset = offset
	default:
		return fmt.Errorf("load bookmark: %w", err)
	}

	if err := t.bookmarks.Upsert(ctx, bookmark); err != nil {
		return fmt.Errorf("save bookmark: %w", err)
	}
	t.log.WithFields(logrus.Fields{
		"client_id":   s.clientID,
		"schedule_id": s.scheduleID,
		"week_start":  target.Format(time.RFC3339),
	}).Debug("bookmark saved")
	return nil
}

func (t *Tracker) timezoneFor(ctx context.Context, scheduleID string, weekStart time.Time) (int, error) {
	rows, err := t.activities.ListByScheduleAndWeek(ctx, scheduleID, weekStart)
	if err != nil {
		return 0, fmt.Errorf("load week activities: %w", err)
	}
	if len(rows) > 0 {
		return rows[0].LocalTimezone, nil
	}
	schedule, err := t.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("load schedule: %w", err)
	}
	return schedule.InitTimezoneOffset, nil
}
