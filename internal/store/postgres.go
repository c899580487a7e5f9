package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// exclusionViolation is the SQLSTATE raised by activities_no_overlap.
const exclusionViolation = "23P01"

const activityColumns = `id::text, schedule_id::text, title, type, cost, start_at, end_at, location, local_timezone, dest_location, version`

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	pool PgxPool
}

func (r *scheduleRepo) GetByID(ctx context.Context, id string) (*Schedule, error) {
	defer observeDB(ctx, "schedules.get")()
	const q = `SELECT id::text, init_week_start, init_timezone_offset FROM schedules WHERE id=$1`
	var s Schedule
	if err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.InitWeekStart, &s.InitTimezoneOffset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	s.InitWeekStart = s.InitWeekStart.UTC()
	return &s, nil
}

func (r *scheduleRepo) Create(ctx context.Context, schedule Schedule) (*Schedule, error) {
	defer observeDB(ctx, "schedules.create")()
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	const q = `INSERT INTO schedules (id, init_week_start, init_timezone_offset) VALUES ($1, $2, $3)`
	if _, err := r.pool.Exec(ctx, q, schedule.ID, schedule.InitWeekStart.UTC(), schedule.InitTimezoneOffset); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	schedule.InitWeekStart = schedule.InitWeekStart.UTC()
	return &schedule, nil
}

// activityRepo implements ActivityRepository.
type activityRepo struct {
	pool PgxPool
}

func (r *activityRepo) GetByID(ctx context.Context, id string) (*Activity, error) {
	defer observeDB(ctx, "activities.get")()
	a, err := scanActivity(r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get activity %s: %w", id, err)
	}
	return a, nil
}

func (r *activityRepo) ListByScheduleAndWeek(ctx context.Context, scheduleID string, weekStart time.Time) ([]Activity, error) {
	defer observeDB(ctx, "activities.list_week")()
	const q = `SELECT ` + activityColumns + ` FROM activities
WHERE schedule_id=$1 AND start_at >= $2 AND end_at < $3
ORDER BY start_at`
	weekStart = weekStart.UTC()
	rows, err := r.pool.Query(ctx, q, scheduleID, weekStart, weekStart.Add(7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var result []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return result, nil
}

func (r *activityRepo) EarliestStart(ctx context.Context, scheduleID string) (*time.Time, error) {
	defer observeDB(ctx, "activities.earliest")()
	const q = `SELECT start_at FROM activities WHERE schedule_id=$1 ORDER BY start_at LIMIT 1`
	var start time.Time
	if err := r.pool.QueryRow(ctx, q, scheduleID).Scan(&start); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("earliest activity: %w", err)
	}
	start = start.UTC()
	return &start, nil
}

func (r *activityRepo) Insert(ctx context.Context, activity Activity, description *string) (_ *Activity, err error) {
	defer observeDB(ctx, "activities.insert")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const q = `INSERT INTO activities (id, schedule_id, title, type, cost, start_at, end_at, location, local_timezone, dest_location, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + activityColumns
	stored, err := scanActivity(tx.QueryRow(ctx, q,
		activity.ID,
		activity.ScheduleID,
		activity.Title,
		activity.Type,
		costValue(activity.Cost),
		activity.Start.UTC(),
		activity.End.UTC(),
		activity.Location,
		activity.LocalTimezone,
		activity.DestLocation,
		activity.Version,
	))
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrOverlap
		}
		return nil, fmt.Errorf("insert activity: %w", err)
	}

	if description != nil {
		if err = upsertDescription(ctx, tx, stored.ID, *description); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return stored, nil
}

// Update writes every mutable field and sets the version to activity.Version,
// but only while the stored version is lower. It returns ErrStaleVersion when
// another edit already landed.
func (r *activityRepo) Update(ctx context.Context, activity Activity, description *string) (_ *Activity, err error) {
	defer observeDB(ctx, "activities.update")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const q = `UPDATE activities
SET title=$2, type=$3, cost=$4, start_at=$5, end_at=$6, location=$7, local_timezone=$8, dest_location=$9, version=$10
WHERE id=$1 AND version < $10
RETURNING ` + activityColumns
	stored, err := scanActivity(tx.QueryRow(ctx, q,
		activity.ID,
		activity.Title,
		activity.Type,
		costValue(activity.Cost),
		activity.Start.UTC(),
		activity.End.UTC(),
		activity.Location,
		activity.LocalTimezone,
		activity.DestLocation,
		activity.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM activities WHERE id=$1)`, activity.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check activity %s: %w", activity.ID, err)
		}
		if exists {
			err = ErrStaleVersion
		} else {
			err = ErrNotFound
		}
		return nil, err
	}
	if err != nil {
		if isExclusionViolation(err) {
			return nil, ErrOverlap
		}
		return nil, fmt.Errorf("update activity: %w", err)
	}

	if description != nil {
		if err = upsertDescription(ctx, tx, stored.ID, *description); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return stored, nil
}

func (r *activityRepo) Delete(ctx context.Context, id string) error {
	defer observeDB(ctx, "activities.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM activities WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete activity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *activityRepo) CountOverlaps(ctx context.Context, scheduleID string, start, end time.Time, excludeID string) (int, error) {
	defer observeDB(ctx, "activities.count_overlaps")()
	const q = `SELECT COUNT(*) FROM activities
WHERE schedule_id=$1 AND start_at < $3 AND end_at > $2 AND ($4::text = '' OR id::text <> $4::text)`
	var count int
	if err := r.pool.QueryRow(ctx, q, scheduleID, start.UTC(), end.UTC(), excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count overlaps: %w", err)
	}
	return count, nil
}

func (r *activityRepo) GetDescription(ctx context.Context, activityID string) (string, error) {
	defer observeDB(ctx, "activities.description")()
	var text string
	if err := r.pool.QueryRow(ctx, `SELECT text FROM activity_descriptions WHERE activity_id=$1`, activityID).Scan(&text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get description %s: %w", activityID, err)
	}
	return text, nil
}

// bookmarkRepo implements BookmarkRepository.
type bookmarkRepo struct {
	pool PgxPool
}

func (r *bookmarkRepo) Get(ctx context.Context, userID, scheduleID string) (*Bookmark, error) {
	defer observeDB(ctx, "bookmarks.get")()
	const q = `SELECT week_start, week_start_timezone_offset FROM schedule_bookmarks WHERE user_id=$1 AND schedule_id=$2`
	b := Bookmark{UserID: userID, ScheduleID: scheduleID}
	if err := r.pool.QueryRow(ctx, q, userID, scheduleID).Scan(&b.WeekStart, &b.TimezoneOffset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bookmark: %w", err)
	}
	b.WeekStart = b.WeekStart.UTC()
	return &b, nil
}

// Upsert inserts a bookmark or, when one exists, overwrites only its week.
func (r *bookmarkRepo) Upsert(ctx context.Context, bookmark Bookmark) (err error) {
	defer observeDB(ctx, "bookmarks.upsert")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin bookmark: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `INSERT INTO userdata (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, bookmark.UserID); err != nil {
		return fmt.Errorf("ensure user %s: %w", bookmark.UserID, err)
	}

	const q = `INSERT INTO schedule_bookmarks (user_id, schedule_id, week_start, week_start_timezone_offset)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, schedule_id) DO UPDATE SET week_start = EXCLUDED.week_start`
	if _, err = tx.Exec(ctx, q, bookmark.UserID, bookmark.ScheduleID, bookmark.WeekStart.UTC(), bookmark.TimezoneOffset); err != nil {
		return fmt.Errorf("upsert bookmark: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bookmark: %w", err)
	}
	return nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == exclusionViolation
}

func upsertDescription(ctx context.Context, tx pgx.Tx, activityID, text string) error {
	const q = `INSERT INTO activity_descriptions (activity_id, text) VALUES ($1, $2)
ON CONFLICT (activity_id) DO UPDATE SET text = EXCLUDED.text`
	if _, err := tx.Exec(ctx, q, activityID, text); err != nil {
		return fmt.Errorf("upsert description %s: %w", activityID, err)
	}
	return nil
}

func scanActivity(row pgx.Row) (*Activity, error) {
	var (
		a    Activity
		cost *string
	)
	if err := row.Scan(&a.ID, &a.ScheduleID, &a.Title, &a.Type, &cost, &a.Start, &a.End, &a.Location, &a.LocalTimezone, &a.DestLocation, &a.Version); err != nil {
		return nil, err
	}
	if cost != nil {
		parsed, err := ParseCost(*cost)
		if err != nil {
			return nil, err
		}
		a.Cost = parsed
	}
	a.Start = a.Start.UTC()
	a.End = a.End.UTC()
	return &a, nil
}

func costValue(c *Cost) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}
