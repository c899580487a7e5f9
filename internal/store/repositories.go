package store

import (
	"context"
	"time"
)

// ScheduleRepository handles schedules.
type ScheduleRepository interface {
	GetByID(ctx context.Context, id string) (*Schedule, error)
	Create(ctx context.Context, schedule Schedule) (*Schedule, error)
}

// ActivityRepository handles activity storage. Implementations provide
// single-statement atomicity per call; Update is a compare-and-set on version.
type ActivityRepository interface {
	GetByID(ctx context.Context, id string) (*Activity, error)
	ListByScheduleAndWeek(ctx context.Context, scheduleID string, weekStart time.Time) ([]Activity, error)
	EarliestStart(ctx context.Context, scheduleID string) (*time.Time, error)
	Insert(ctx context.Context, activity Activity, description *string) (*Activity, error)
	Update(ctx context.Context, activity Activity, description *string) (*Activity, error)
	Delete(ctx context.Context, id string) error
	CountOverlaps(ctx context.Context, scheduleID string, start, end time.Time, excludeID string) (int, error)
	GetDescription(ctx context.Context, activityID string) (string, error)
}

// BookmarkRepository persists the last viewed week per user and schedule.
type BookmarkRepository interface {
	Get(ctx context.Context, userID, scheduleID string) (*Bookmark, error)
	Upsert(ctx context.Context, bookmark Bookmark) error
}
