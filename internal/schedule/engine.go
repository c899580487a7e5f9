// Package schedule validates and applies activity changes and turns
// inbound session messages into responses.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jw6ventures/orca/internal/store"
	"github.com/jw6ventures/orca/internal/week"
)

var (
	errStartAfterEnd = errors.New("start is after end")
	errOverlap       = errors.New("overlaps an existing activity")
)

// Engine runs activity CRUD for a schedule. Overlap exclusion and optimistic
// versioning are enforced here; the repository only guarantees single-call
// atomicity and a compare-and-set on version.
type Engine struct {
	activities store.ActivityRepository
}

func NewEngine(activities store.ActivityRepository) *Engine {
	return &Engine{activities: activities}
}

// ListWeek returns the activities fully inside the week starting at
// weekStart, ordered by start.
func (e *Engine) ListWeek(ctx context.Context, scheduleID string, weekStart time.Time) ([]store.Activity, error) {
	rows, err := e.activities.ListByScheduleAndWeek(ctx, scheduleID, week.Start(weekStart))
	if err != nil {
		return nil, newError(KindStore, "list week", nil, err)
	}
	return rows, nil
}

// Get returns one activity and its description. The description is empty
// when none was stored.
func (e *Engine) Get(ctx context.Context, scheduleID, id string) (*store.Activity, string, error) {
	row, err := e.load(ctx, "get", scheduleID, id)
	if err != nil {
		return nil, "", err
	}
	desc, err := e.activities.GetDescription(ctx, row.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", newError(KindStore, "get", nil, err)
	}
	return row, desc, nil
}

// Create stores a new activity at version 0 on scheduleID.
func (e *Engine) Create(ctx context.Context, scheduleID string, a store.Activity, description *string) (*store.Activity, error) {
	const op = "create"
	a.ScheduleID = scheduleID
	a.Version = 0

	if _, err := e.activities.GetByID(ctx, a.ID); err == nil {
		return nil, newError(KindInvalid, op, nil, fmt.Errorf("activity %s already exists", a.ID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindStore, op, nil, err)
	}
	if err := e.checkInterval(ctx, op, a, "", nil); err != nil {
		return nil, err
	}

	stored, err := e.activities.Insert(ctx, a, description)
	if err != nil {
		if errors.Is(err, store.ErrOverlap) {
			// A concurrent create won the interval after the check above.
			return nil, newError(KindConflict, op, nil, err)
		}
		return nil, newError(KindStore, op, nil, err)
	}
	return stored, nil
}

// Update replaces an activity when the incoming version is strictly newer
// than the stored one. Stale writers get KindExpired with the stored row.
func (e *Engine) Update(ctx context.Context, scheduleID string, a store.Activity, description *string) (*store.Activity, error) {
	const op = "update"
	stored, err := e.load(ctx, op, scheduleID, a.ID)
	if err != nil {
		return nil, err
	}
	if stored.Version >= a.Version {
		return nil, newError(KindExpired, op, stored, fmt.Errorf("stored version %d, incoming %d", stored.Version, a.Version))
	}

	a.ID, a.ScheduleID = stored.ID, scheduleID
	if err := e.checkInterval(ctx, op, a, a.ID, stored); err != nil {
		return nil, err
	}

	updated, err := e.activities.Update(ctx, a, description)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrStaleVersion):
		// Lost a race with a concurrent writer; hand back whatever won.
		current, rerr := e.activities.GetByID(ctx, a.ID)
		if rerr != nil {
			current = stored
		}
		return nil, newError(KindExpired, op, current, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(KindNotFound, op, nil, err)
	case errors.Is(err, store.ErrOverlap):
		return nil, newError(KindConflict, op, stored, err)
	default:
		return nil, newError(KindStore, op, stored, err)
	}
}

// Delete removes an activity and returns the row as it was before removal.
func (e *Engine) Delete(ctx context.Context, scheduleID, id string) (*store.Activity, error) {
	const op = "delete"
	stored, err := e.load(ctx, op, scheduleID, id)
	if err != nil {
		return nil, err
	}
	if err := e.activities.Delete(ctx, stored.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, op, nil, err)
		}
		return nil, newError(KindStore, op, stored, err)
	}
	return stored, nil
}

// checkInterval rejects reversed intervals and overlaps with any other
// activity of the schedule. excludeID skips the row being updated.
func (e *Engine) checkInterval(ctx context.Context, op string, a store.Activity, excludeID string, stored *store.Activity) error {
	if a.Start.After(a.End) {
		return newError(KindInvalid, op, stored, errStartAfterEnd)
	}
	count, err := e.activities.CountOverlaps(ctx, a.ScheduleID, a.Start, a.End, excludeID)
	if err != nil {
		return newError(KindStore, op, stored, err)
	}
	if count > 0 {
		return newError(KindConflict, op, stored, fmt.Errorf("%w (%d)", errOverlap, count))
	}
	return nil
}

// load fetches an activity that belongs to scheduleID. Rows of other
// schedules are reported as missing.
func (e *Engine) load(ctx context.Context, op, scheduleID, id string) (*store.Activity, error) {
	if id == "" {
		return nil, newError(KindInvalid, op, nil, errors.New("activity id is required"))
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, newError(KindInvalid, op, nil, fmt.Errorf("activity id %q: %w", id, err))
	}
	row, err := e.activities.GetByID(ctx, parsed.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, op, nil, err)
		}
		return nil, newError(KindStore, op, nil, err)
	}
	if row.ScheduleID != scheduleID {
		return nil, newError(KindNotFound, op, nil, store.ErrNotFound)
	}
	return row, nil
}
