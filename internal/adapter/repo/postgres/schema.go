package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the jobs table and its indexes if missing. Services
// call it at startup; the DDL is idempotent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT 'files.zip',
			secret_ref TEXT,
			result_token TEXT NOT NULL,
			result JSONB,
			result_error TEXT,
			result_received_at TIMESTAMPTZ,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS jobs_user_idx ON jobs (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS jobs_queued_order_idx ON jobs (created_at, id) WHERE status = 'queued'`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
