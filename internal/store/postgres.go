package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/evka/callrater/internal/call"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_ratings (
	request_id  TEXT PRIMARY KEY,
	rating      INT NOT NULL,
	transferred BOOLEAN NOT NULL DEFAULT FALSE,
	captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS call_outcomes (
	id          BIGSERIAL PRIMARY KEY,
	request_id  TEXT NOT NULL,
	status      TEXT NOT NULL,
	rating      INT NOT NULL,
	transferred BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS call_outcomes_request_idx ON call_outcomes (request_id);
`

// Postgres persists ratings and outcomes through database/sql with the
// pgx driver.
type Postgres struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenPostgres connects, verifies the connection and ensures the
// schema exists.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info("[Store] Connected to Postgres")
	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) PersistRating(ctx context.Context, requestID string, rating int, transferred bool) error {
	const q = `
		INSERT INTO call_ratings (request_id, rating, transferred)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO UPDATE
		SET rating = EXCLUDED.rating, transferred = EXCLUDED.transferred`

	if _, err := p.db.ExecContext(ctx, q, requestID, rating, transferred); err != nil {
		return fmt.Errorf("persist rating: %w", err)
	}
	return nil
}

func (p *Postgres) PersistOutcome(ctx context.Context, requestID string, o call.Outcome) error {
	const q = `
		INSERT INTO call_outcomes (request_id, status, rating, transferred, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, q,
		requestID,
		string(o.Status),
		o.Rating,
		o.Transferred,
		o.Duration.Milliseconds(),
		o.Error,
	)
	if err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
