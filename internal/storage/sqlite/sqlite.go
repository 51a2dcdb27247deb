// Package sqlite stores the quota row and log in a local SQLite file.
//
// Every transaction is opened with BEGIN IMMEDIATE, which takes the database
// write lock up front, so concurrent processes sharing the file serialise on
// the quota row.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"

	"forecast-quota/internal/quota"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

var (
	_ quota.StateStore  = (*Store)(nil)
	_ quota.EventSink   = (*Store)(nil)
	_ quota.EventPruner = (*Store)(nil)
	_ quota.EventReader = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	provider, err := goose.NewProvider(goosedb.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite migrations: %w", err)
	}
	return nil
}

const selectState = `
	SELECT day_key, count,
		forecast_last_attempt_at, forecast_last_success_at,
		actual_last_attempt_at, actual_last_success_at,
		backoff_until, reset_at, updated_at
	FROM quota_state WHERE id = 1`

const updateState = `
	UPDATE quota_state SET
		day_key = ?, count = ?,
		forecast_last_attempt_at = ?, forecast_last_success_at = ?,
		actual_last_attempt_at = ?, actual_last_success_at = ?,
		backoff_until = ?, reset_at = ?, updated_at = ?
	WHERE id = 1`

func (s *Store) Atomically(ctx context.Context, fn quota.UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO quota_state (id) VALUES (1)`); err != nil {
		return fmt.Errorf("create quota row: %w", err)
	}

	var (
		st                 quota.State
		forecastAttempt    sql.NullInt64
		forecastSuccess    sql.NullInt64
		actualAttempt      sql.NullInt64
		actualSuccess      sql.NullInt64
		backoffUntil       sql.NullInt64
		resetAt, updatedAt int64
	)
	err = tx.QueryRowContext(ctx, selectState).Scan(
		&st.DayKey, &st.Count,
		&forecastAttempt, &forecastSuccess,
		&actualAttempt, &actualSuccess,
		&backoffUntil, &resetAt, &updatedAt,
	)
	if err != nil {
		return fmt.Errorf("load quota row: %w", err)
	}
	st.Forecast = quota.CategoryState{LastAttemptAt: fromMillis(forecastAttempt), LastSuccessAt: fromMillis(forecastSuccess)}
	st.Actual = quota.CategoryState{LastAttemptAt: fromMillis(actualAttempt), LastSuccessAt: fromMillis(actualSuccess)}
	st.BackoffUntil = fromMillis(backoffUntil)
	st.ResetAt = time.UnixMilli(resetAt).UTC()
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	persist, err := fn(&st)
	if err != nil {
		return err
	}

	if persist {
		_, err = tx.ExecContext(ctx, updateState,
			st.DayKey, st.Count,
			toMillis(st.Forecast.LastAttemptAt), toMillis(st.Forecast.LastSuccessAt),
			toMillis(st.Actual.LastAttemptAt), toMillis(st.Actual.LastSuccessAt),
			toMillis(st.BackoffUntil), st.ResetAt.UnixMilli(), st.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("save quota row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, events ...quota.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quota_log (event_type, category, reason, status, backoff_until,
				day_key, reset_at, next_eligible_at, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(e.Type), nullString(string(e.Category)), nullString(string(e.Reason)),
			nullInt(e.Status), toMillis(e.BackoffUntil), e.DayKey, e.ResetAt.UnixMilli(),
			toMillis(e.NextEligibleAt), payload, e.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert quota log: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_log WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete quota log: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Recent(ctx context.Context, limit int) ([]quota.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, category, reason, status, backoff_until,
			day_key, reset_at, next_eligible_at, payload, created_at
		FROM quota_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query quota log: %w", err)
	}
	defer rows.Close()

	var events []quota.Event
	for rows.Next() {
		var (
			e                  quota.Event
			category, reason   sql.NullString
			status             sql.NullInt64
			backoff, next      sql.NullInt64
			resetAt, createdAt int64
			payload            string
		)
		if err := rows.Scan(&e.Type, &category, &reason, &status, &backoff,
			&e.DayKey, &resetAt, &next, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Category = quota.Category(category.String)
		e.Reason = quota.Reason(reason.String)
		e.Status = int(status.Int64)
		e.BackoffUntil = fromMillis(backoff)
		e.NextEligibleAt = fromMillis(next)
		e.ResetAt = time.UnixMilli(resetAt).UTC()
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodePayload(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
