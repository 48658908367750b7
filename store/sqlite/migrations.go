package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ordered schema change.
type migration struct {
	name    string
	version string
	up      string
}

var migrations = []migration{
	{
		name:    "create_interlock_records",
		version: "20240101000001",
		up: `
CREATE TABLE IF NOT EXISTS interlock_records (
    id             TEXT PRIMARY KEY,
    dedupe_key     TEXT NOT NULL UNIQUE,
    source         TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    event_type     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    attempt_count  INTEGER NOT NULL DEFAULT 0,
    reserved_at    TEXT NOT NULL,
    applied_at     TEXT,
    last_error     TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_interlock_records_status ON interlock_records (status);
CREATE INDEX IF NOT EXISTS idx_interlock_records_tenant ON interlock_records (tenant_id);
CREATE INDEX IF NOT EXISTS idx_interlock_records_source ON interlock_records (source);
CREATE INDEX IF NOT EXISTS idx_interlock_records_created ON interlock_records (created_at);
`,
	},
	{
		name:    "create_interlock_attempts",
		version: "20240101000002",
		up: `
CREATE TABLE IF NOT EXISTS interlock_attempts (
    id             TEXT PRIMARY KEY,
    dedupe_key     TEXT NOT NULL,
    tenant_id      TEXT NOT NULL DEFAULT '',
    target         TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    request        TEXT NOT NULL,
    attempt_number INTEGER NOT NULL DEFAULT 0,
    max_attempts   INTEGER NOT NULL DEFAULT 0,
    scheduled_at   TEXT NOT NULL,
    state          TEXT NOT NULL DEFAULT 'pending',
    last_error     TEXT NOT NULL DEFAULT '',
    completed_at   TEXT,
    claim_token    TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_interlock_attempts_due ON interlock_attempts (state, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_interlock_attempts_fingerprint ON interlock_attempts (fingerprint, state);
CREATE INDEX IF NOT EXISTS idx_interlock_attempts_created ON interlock_attempts (created_at);
`,
	},
	{
		name:    "add_interlock_attempts_claimed_at",
		version: "20240101000003",
		up: `
ALTER TABLE interlock_attempts ADD COLUMN claimed_at TEXT;
`,
	},
}

// migrate applies pending migrations in version order.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS interlock_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM interlock_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, m.up); err != nil {
			return fmt.Errorf("apply migration %s (%s): %w", m.version, m.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO interlock_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}
	return nil
}
