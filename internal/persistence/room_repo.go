package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skobkin/clawlink/internal/rooms"
)

// RoomRepo stores room bindings so labels resolve across sessions.
type RoomRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db, now: time.Now}
}

func (r *RoomRepo) List(ctx context.Context) ([]rooms.Binding, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT room_id, label FROM rooms ORDER BY bound_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []rooms.Binding
	for rows.Next() {
		var b rooms.Binding
		if err := rows.Scan(&b.RoomID, &b.Label); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}

	return out, nil
}

// Save stores a binding. A label always points at the room saved last.
func (r *RoomRepo) Save(ctx context.Context, b rooms.Binding) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rooms(label, room_id, bound_at) VALUES(?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET room_id = excluded.room_id
	`, b.Label, b.RoomID, timeToUnixMillis(r.now()))
	if err != nil {
		return fmt.Errorf("save room %q: %w", b.RoomID, err)
	}

	return nil
}

// Delete removes every binding of a room.
func (r *RoomRepo) Delete(ctx context.Context, roomID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room %q: %w", roomID, err)
	}

	return nil
}

// RoomWriter mirrors router binding changes into the rooms table through the
// writer queue.
type RoomWriter struct {
	repo   *RoomRepo
	writer *WriterQueue
}

func NewRoomWriter(repo *RoomRepo, writer *WriterQueue) *RoomWriter {
	return &RoomWriter{repo: repo, writer: writer}
}

// Apply has the shape of a rooms.Router binding hook.
func (w *RoomWriter) Apply(change rooms.BindingChange) {
	if change.Removed {
		w.writer.Enqueue("rooms.delete "+change.RoomID, func(ctx context.Context) error {
			return w.repo.Delete(ctx, change.RoomID)
		})

		return
	}
	w.writer.Enqueue("rooms.save "+change.RoomID, func(ctx context.Context) error {
		return w.repo.Save(ctx, change.Binding)
	})
}
