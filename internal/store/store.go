package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool represents the subset of pgxpool.Pool used by the repositories and
// migration helpers.
//
// This allows tests to supply a lightweight mock implementation without
// changing the public interface of the store package.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories behind a shared backend.
type Store struct {
	pool PgxPool

	Schedules  ScheduleRepository
	Activities ActivityRepository
	Bookmarks  BookmarkRepository
}

// New wires the PostgreSQL repositories with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return newWithPool(pool)
}

func newWithPool(pool PgxPool) *Store {
	return &Store{
		pool:       pool,
		Schedules:  &scheduleRepo{pool: pool},
		Activities: &activityRepo{pool: pool},
		Bookmarks:  &bookmarkRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
