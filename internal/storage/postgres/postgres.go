// Package postgres stores the quota row and log in PostgreSQL.
//
// Updates lock the singleton row with SELECT ... FOR UPDATE, so any number of
// processes sharing the database are serialised by Postgres itself.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"

	"forecast-quota/internal/quota"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL-backed quota store and log.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ quota.StateStore  = (*Store)(nil)
	_ quota.EventSink   = (*Store)(nil)
	_ quota.EventPruner = (*Store)(nil)
	_ quota.EventReader = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and checks that the server answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goosedb.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	return nil
}

func (s *Store) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Concurrent first users block on the primary key and then see the row.
	if _, err := tx.Exec(ctx, `INSERT INTO quota_state (id) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("postgres: create quota row: %w", err)
	}

	var st quota.State
	err = tx.QueryRow(ctx, `
		SELECT day_key, count,
			forecast_last_attempt_at, forecast_last_success_at,
			actual_last_attempt_at, actual_last_success_at,
			backoff_until, reset_at, updated_at
		FROM quota_state WHERE id = 1
		FOR UPDATE`,
	).Scan(
		&st.DayKey, &st.Count,
		&st.Forecast.LastAttemptAt, &st.Forecast.LastSuccessAt,
		&st.Actual.LastAttemptAt, &st.Actual.LastSuccessAt,
		&st.BackoffUntil, &st.ResetAt, &st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: lock quota row: %w", err)
	}
	normalize(&st)

	persist, err := fn(&st)
	if err != nil {
		return err
	}

	if persist {
		_, err = tx.Exec(ctx, `
			UPDATE quota_state SET
				day_key = $1, count = $2,
				forecast_last_attempt_at = $3, forecast_last_success_at = $4,
				actual_last_attempt_at = $5, actual_last_success_at = $6,
				backoff_until = $7, reset_at = $8, updated_at = $9
			WHERE id = 1`,
			st.DayKey, st.Count,
			st.Forecast.LastAttemptAt, st.Forecast.LastSuccessAt,
			st.Actual.LastAttemptAt, st.Actual.LastSuccessAt,
			st.BackoffUntil, st.ResetAt, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: save quota row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, events ...quota.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO quota_log (event_type, category, reason, status, backoff_until,
				day_key, reset_at, next_eligible_at, payload, created_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, 0), $5, $6, $7, $8, $9, $10)`,
			string(e.Type), string(e.Category), string(e.Reason), e.Status, e.BackoffUntil,
			e.DayKey, e.ResetAt, e.NextEligibleAt, payload, e.CreatedAt,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert quota log: %w", err)
	}
	return nil
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quota_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete quota log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]quota.Event, error) {
	var arg any
	if limit > 0 {
		arg = limit
	}

	// LIMIT NULL returns every row.
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, COALESCE(category, ''), COALESCE(reason, ''), COALESCE(status, 0),
			backoff_until, day_key, reset_at, next_eligible_at, payload, created_at
		FROM quota_log ORDER BY id DESC LIMIT $1`, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: query quota log: %w", err)
	}
	defer rows.Close()

	var events []quota.Event
	for rows.Next() {
		var (
			e                           quota.Event
			eventType, category, reason string
		)
		if err := rows.Scan(&eventType, &category, &reason, &e.Status,
			&e.BackoffUntil, &e.DayKey, &e.ResetAt, &e.NextEligibleAt, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan quota log: %w", err)
		}
		e.Type = quota.EventType(eventType)
		e.Category = quota.Category(category)
		e.Reason = quota.Reason(reason)
		e.ResetAt = e.ResetAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		e.BackoffUntil = utc(e.BackoffUntil)
		e.NextEligibleAt = utc(e.NextEligibleAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func normalize(st *quota.State) {
	st.Forecast.LastAttemptAt = utc(st.Forecast.LastAttemptAt)
	st.Forecast.LastSuccessAt = utc(st.Forecast.LastSuccessAt)
	st.Actual.LastAttemptAt = utc(st.Actual.LastAttemptAt)
	st.Actual.LastSuccessAt = utc(st.Actual.LastSuccessAt)
	st.BackoffUntil = utc(st.BackoffUntil)
	st.ResetAt = st.ResetAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
