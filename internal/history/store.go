// Package history persists finished call sessions for later review.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/call"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	role        TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ NOT NULL,
	outcome     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_history_session ON call_history(session_id);
`

// Store writes call records to Postgres.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Entry is one persisted call row.
type Entry struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
	Outcome   string    `db:"outcome"`
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, log: log.Named("history")}, nil
}

// Record inserts one finished session attempt.
func (s *Store) Record(ctx context.Context, rec call.Record) error {
	const q = `
		INSERT INTO call_history (session_id, role, started_at, ended_at, outcome)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, q,
		rec.SessionID, rec.Role, rec.StartedAt, rec.EndedAt, rec.Outcome); err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	s.log.Debug("call recorded",
		zap.String("session", rec.SessionID),
		zap.String("outcome", rec.Outcome))
	return nil
}

// Recent returns the most recent entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	const q = `
		SELECT id, session_id, role, started_at, ended_at, outcome
		FROM call_history
		ORDER BY ended_at DESC
		LIMIT $1
	`
	var out []Entry
	if err := s.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	return out, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }
