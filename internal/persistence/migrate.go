package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order. The index plus one is the schema version
// stored in PRAGMA user_version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS outbox (
		message_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		body TEXT NOT NULL,
		attachment TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_enqueued ON outbox(enqueued_at);
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS rooms (
		label TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		bound_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_room ON rooms(room_id);
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
