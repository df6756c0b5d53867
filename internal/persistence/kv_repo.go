package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVRepo is a string key-value table for session settings.
type KVRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewKVRepo(db *sql.DB) *KVRepo {
	return &KVRepo{db: db, now: time.Now}
}

func (r *KVRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get kv %q: %w", key, err)
	}

	return value, true, nil
}

func (r *KVRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, timeToUnixMillis(r.now()))
	if err != nil {
		return fmt.Errorf("set kv %q: %w", key, err)
	}

	return nil
}

func (r *KVRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv %q: %w", key, err)
	}

	return nil
}

// SessionWriter persists session settings through the writer queue so callers
// on the UI path never wait for disk.
type SessionWriter struct {
	repo   *KVRepo
	writer *WriterQueue
}

func NewSessionWriter(repo *KVRepo, writer *WriterQueue) *SessionWriter {
	return &SessionWriter{repo: repo, writer: writer}
}

func (w *SessionWriter) SetSession(key, value string) {
	w.writer.Enqueue("kv.set "+key, func(ctx context.Context) error {
		return w.repo.Set(ctx, key, value)
	})
}
