package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skobkin/clawlink/internal/outbox"
)

// OutboxRepo stores queued messages. Every write is synchronous so a message
// is on disk before Enqueue returns.
type OutboxRepo struct {
	db *sql.DB
}

func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

func (r *OutboxRepo) LoadQueued(ctx context.Context) ([]outbox.QueuedMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, room_id, body, attachment, idempotency_key, enqueued_at, retry_count
		FROM outbox
		ORDER BY enqueued_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []outbox.QueuedMessage
	for rows.Next() {
		var (
			m          outbox.QueuedMessage
			enqueuedAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Text, &m.Attachment, &m.IdempotencyKey, &enqueuedAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		m.EnqueuedAt = unixMillisToTime(enqueuedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued messages: %w", err)
	}

	return out, nil
}

// SaveQueued inserts a message or updates its retry count. The identifiers
// and enqueue time of an existing row never change.
func (r *OutboxRepo) SaveQueued(ctx context.Context, m outbox.QueuedMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox(message_id, room_id, body, attachment, idempotency_key, enqueued_at, retry_count)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			retry_count = excluded.retry_count
	`, m.ID, m.RoomID, m.Text, m.Attachment, m.IdempotencyKey, timeToUnixMillis(m.EnqueuedAt), m.RetryCount)
	if err != nil {
		return fmt.Errorf("save queued message: %w", err)
	}

	return nil
}

func (r *OutboxRepo) DeleteQueued(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete queued message: %w", err)
	}

	return nil
}

func (r *OutboxRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued messages: %w", err)
	}

	return n, nil
}
