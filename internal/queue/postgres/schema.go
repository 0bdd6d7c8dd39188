package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id               TEXT PRIMARY KEY,
		target_url       TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		payload          JSON,
		status           TEXT NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'in_flight', 'delivered', 'failed')),
		attempt_count    INT NOT NULL DEFAULT 0,
		max_attempts     INT NOT NULL CHECK (max_attempts >= 1),
		next_attempt_at  TIMESTAMPTZ NOT NULL,
		claim_token      TEXT NOT NULL DEFAULT '',
		claimed_at       TIMESTAMPTZ,
		last_error       TEXT,
		last_status_code INT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		delivered_at     TIMESTAMPTZ
	)`,
	// JSON keeps the enqueued text verbatim; JSONB would normalize it and
	// change the signed body. Tables created with JSONB are converted.
	`DO $$
	BEGIN
		IF EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'webhook_events' AND column_name = 'payload' AND data_type = 'jsonb'
		) THEN
			ALTER TABLE webhook_events ALTER COLUMN payload TYPE JSON USING payload::json;
		END IF;
	END
	$$`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_ready
		ON webhook_events (next_attempt_at, created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_in_flight
		ON webhook_events (claimed_at) WHERE status = 'in_flight'`,
}

// Migrate creates the webhook_events table and its indexes if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
