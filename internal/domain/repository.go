package domain

import "context"

// SessionStore is the key-value surface used for session settings such as
// the active room.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const SessionKeyActiveRoom = "session.active_room"
