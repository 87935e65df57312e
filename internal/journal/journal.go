// Package journal persists block events to Postgres for offline review.
// The journal is optional: when no DSN is configured the proxy runs
// without it, and a write failure never affects verdicts.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/scoootscooob/aegis-protocol/internal/firewall"
)

const schema = `
CREATE TABLE IF NOT EXISTS block_events (
	id         BIGSERIAL PRIMARY KEY,
	occurred   TIMESTAMPTZ NOT NULL,
	principal  TEXT NOT NULL DEFAULT '',
	code       TEXT NOT NULL,
	engine     TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	amount     DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS block_events_principal_idx ON block_events (principal, occurred);
`

// Journal is a Postgres-backed block-event sink.
type Journal struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one block event. Errors are logged, never propagated;
// the journal is observability, not enforcement.
func (j *Journal) Record(ev firewall.BlockEvent) {
	_, err := j.db.Exec(
		`INSERT INTO block_events (occurred, principal, code, engine, target, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Time, ev.Principal, string(ev.Code), ev.Engine, ev.Target, ev.Amount,
	)
	if err != nil {
		slog.Warn("journal write failed", "err", err)
	}
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
