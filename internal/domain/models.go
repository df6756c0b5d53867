package domain

import "time"

type MessageStatus int

const (
	MessageStatusPending MessageStatus = iota + 1
	MessageStatusSent
	MessageStatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusPending:
		return "pending"
	case MessageStatusSent:
		return "sent"
	case MessageStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further updates follow for the message.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// MessageStatusUpdate is published on the bus whenever an outgoing message
// changes delivery state.
type MessageStatusUpdate struct {
	MessageID  string
	RoomID     string
	Status     MessageStatus
	RetryCount int
	RunID      string
	Reason     string
	At         time.Time
}

// Delivery is the last known state of one outgoing message.
type Delivery struct {
	MessageID  string
	RoomID     string
	Status     MessageStatus
	RetryCount int
	RunID      string
	Reason     string
	UpdatedAt  time.Time
}
