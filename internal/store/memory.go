package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemory returns a Store kept entirely in process memory. It is used for
// local development (APP_STORE=memory) and by tests of higher layers.
func NewMemory() *Store {
	m := &memoryBackend{
		schedules:    make(map[string]Schedule),
		activities:   make(map[string]Activity),
		descriptions: make(map[string]string),
		bookmarks:    make(map[bookmarkKey]Bookmark),
		users:        make(map[string]User),
	}
	return &Store{
		Schedules:  &memorySchedules{m},
		Activities: &memoryActivities{m},
		Bookmarks:  &memoryBookmarks{m},
	}
}

type bookmarkKey struct {
	userID     string
	scheduleID string
}

type memoryBackend struct {
	mu           sync.RWMutex
	schedules    map[string]Schedule
	activities   map[string]Activity
	descriptions map[string]string
	bookmarks    map[bookmarkKey]Bookmark
	users        map[string]User
}

type memorySchedules struct{ m *memoryBackend }

func (r *memorySchedules) GetByID(ctx context.Context, id string) (*Schedule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memorySchedules) Create(ctx context.Context, schedule Schedule) (*Schedule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	schedule.InitWeekStart = schedule.InitWeekStart.UTC()
	r.m.schedules[schedule.ID] = schedule
	return &schedule, nil
}

type memoryActivities struct{ m *memoryBackend }

func (r *memoryActivities) GetByID(ctx context.Context, id string) (*Activity, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memoryActivities) ListByScheduleAndWeek(ctx context.Context, scheduleID string, weekStart time.Time) ([]Activity, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	weekEnd := weekStart.Add(7 * 24 * time.Hour)
	var result []Activity
	for _, a := range r.m.activities {
		if a.ScheduleID == scheduleID && !a.Start.Before(weekStart) && a.End.Before(weekEnd) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Start.Before(result[j].Start) })
	return result, nil
}

func (r *memoryActivities) EarliestStart(ctx context.Context, scheduleID string) (*time.Time, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var earliest *time.Time
	for _, a := range r.m.activities {
		if a.ScheduleID != scheduleID {
			continue
		}
		if earliest == nil || a.Start.Before(*earliest) {
			start := a.Start
			earliest = &start
		}
	}
	return earliest, nil
}

func (r *memoryActivities) Insert(ctx context.Context, activity Activity, description *string) (*Activity, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.schedules[activity.ScheduleID]; !ok {
		return nil, ErrNotFound
	}
	activity.Start = activity.Start.UTC()
	activity.End = activity.End.UTC()
	if r.overlapsLocked(activity) {
		return nil, ErrOverlap
	}
	r.m.activities[activity.ID] = activity
	if description != nil {
		r.m.descriptions[activity.ID] = *description
	}
	return &activity, nil
}

// overlapsLocked reports whether a strictly overlaps another activity of its
// schedule. Callers hold r.m.mu.
func (r *memoryActivities) overlapsLocked(a Activity) bool {
	for id, other := range r.m.activities {
		if id != a.ID && other.ScheduleID == a.ScheduleID && other.Overlaps(a) {
			return true
		}
	}
	return false
}

func (r *memoryActivities) Update(ctx context.Context, activity Activity, description *string) (*Activity, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored, ok := r.m.activities[activity.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Version >= activity.Version {
		return nil, ErrStaleVersion
	}
	activity.ScheduleID = stored.ScheduleID
	activity.Start = activity.Start.UTC()
	activity.End = activity.End.UTC()
	if r.overlapsLocked(activity) {
		return nil, ErrOverlap
	}
	r.m.activities[activity.ID] = activity
	if description != nil {
		r.m.descriptions[activity.ID] = *description
	}
	return &activity, nil
}

func (r *memoryActivities) Delete(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.activities[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.activities, id)
	delete(r.m.descriptions, id)
	return nil
}

func (r *memoryActivities) CountOverlaps(ctx context.Context, scheduleID string, start, end time.Time, excludeID string) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	candidate := Activity{Start: start, End: end}
	count := 0
	for id, a := range r.m.activities {
		if a.ScheduleID == scheduleID && id != excludeID && a.Overlaps(candidate) {
			count++
		}
	}
	return count, nil
}

func (r *memoryActivities) GetDescription(ctx context.Context, activityID string) (string, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	text, ok := r.m.descriptions[activityID]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

type memoryBookmarks struct{ m *memoryBackend }

func (r *memoryBookmarks) Get(ctx context.Context, userID, scheduleID string) (*Bookmark, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	b, ok := r.m.bookmarks[bookmarkKey{userID, scheduleID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r *memoryBookmarks) Upsert(ctx context.Context, bookmark Bookmark) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.users[bookmark.UserID]; !ok {
		r.m.users[bookmark.UserID] = User{ID: bookmark.UserID, PreferredCurrency: "USD"}
	}
	key := bookmarkKey{bookmark.UserID, bookmark.ScheduleID}
	bookmark.WeekStart = bookmark.WeekStart.UTC()
	if existing, ok := r.m.bookmarks[key]; ok {
		existing.WeekStart = bookmark.WeekStart
		r.m.bookmarks[key] = existing
		return nil
	}
	r.m.bookmarks[key] = bookmark
	return nil
}
