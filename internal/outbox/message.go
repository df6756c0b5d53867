// Package outbox holds user messages that could not be delivered yet and
// retries them in order once the gateway is reachable.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const DefaultRetryBudget = 5

// QueuedMessage is a user message awaiting delivery. ID and IdempotencyKey
// are assigned once and kept across every retry.
type QueuedMessage struct {
	ID             string
	RoomID         string
	Text           string
	Attachment     string
	IdempotencyKey string
	EnqueuedAt     time.Time
	RetryCount     int
}

// NewMessage builds a message with fresh identifiers.
func NewMessage(roomID, text, attachment string) QueuedMessage {
	return QueuedMessage{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		Text:           text,
		Attachment:     attachment,
		IdempotencyKey: uuid.NewString(),
		EnqueuedAt:     time.Now(),
	}
}

// Store persists queued messages. SaveQueued must be durable before it
// returns.
type Store interface {
	LoadQueued(ctx context.Context) ([]QueuedMessage, error)
	SaveQueued(ctx context.Context, m QueuedMessage) error
	DeleteQueued(ctx context.Context, id string) error
}

// Sender delivers a queued message through the gateway.
type Sender interface {
	IsConnected() bool
	SendQueued(ctx context.Context, m QueuedMessage) (runID string, err error)
}

// ConnectionNotifier reports connectivity transitions.
type ConnectionNotifier interface {
	OnConnectionChange(handler func(connected bool)) (unsubscribe func())
}
