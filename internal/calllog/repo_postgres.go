package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"voicebridge/pkg/utils"
)

// PostgresRepo persists records via database/sql with the pgx stdlib driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// EnsureSchema creates the call_records table if missing. Idempotent;
// called once at startup. Runs in a transaction so a partially applied
// migration never survives a crash.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS call_records (
	call_id          TEXT PRIMARY KEY,
	user_number      TEXT NOT NULL,
	from_number      TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ NOT NULL,
	duration_seconds INT NOT NULL,
	turns            INT NOT NULL,
	hangup_cause     TEXT NOT NULL
)`)
		return err
	})
	if err != nil {
		return fmt.Errorf("calllog: ensure schema: %w", err)
	}
	return nil
}

// Ping reports whether the database behind the repo is reachable.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, r.db, 2*time.Second)
}

func (r *PostgresRepo) Save(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_records
	(call_id, user_number, from_number, started_at, ended_at, duration_seconds, turns, hangup_cause)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (call_id) DO UPDATE SET
	ended_at = EXCLUDED.ended_at,
	duration_seconds = EXCLUDED.duration_seconds,
	turns = EXCLUDED.turns,
	hangup_cause = EXCLUDED.hangup_cause`,
		rec.CallID, rec.UserNumber, rec.FromNumber,
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds, rec.Turns, rec.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("calllog: save: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT call_id, user_number, from_number, started_at, ended_at, duration_seconds, turns, hangup_cause
FROM call_records
ORDER BY ended_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.CallID, &rec.UserNumber, &rec.FromNumber,
			&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.Turns, &rec.HangupCause,
		); err != nil {
			return nil, fmt.Errorf("calllog: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	return out, nil
}
