// Package chat implements sending a user message to a room: a direct send
// when the gateway is reachable, the outbox otherwise.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/gateway"
	"github.com/skobkin/clawlink/internal/outbox"
	"github.com/skobkin/clawlink/internal/protocol"
	"github.com/skobkin/clawlink/internal/rooms"
)

// Gateway is the part of the gateway client the service needs.
type Gateway interface {
	IsConnected() bool
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// SessionWriter stores session settings without blocking the caller.
type SessionWriter interface {
	SetSession(key, value string)
}

type Options struct {
	Logger  *slog.Logger
	Bus     bus.MessageBus
	Gateway Gateway
	Router  *rooms.Router
	Queue   *outbox.Queue
	Session SessionWriter
	AgentID string
}

type Service struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	gateway Gateway
	router  *rooms.Router
	queue   *outbox.Queue
	session SessionWriter
	agentID string
}

// SendResult tells the caller where the message went.
type SendResult struct {
	MessageID string
	RoomID    string
	Label     string
	Status    domain.MessageStatus
	RunID     string
	// Cause is the transient error that sent the message to the outbox.
	Cause error
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		logger:  logger,
		bus:     opts.Bus,
		gateway: opts.Gateway,
		router:  opts.Router,
		queue:   opts.Queue,
		session: opts.Session,
		agentID: opts.AgentID,
	}
	if s.router != nil && s.session != nil {
		s.router.OnActiveRoomChange(func(roomID string) {
			s.session.SetSession(domain.SessionKeyActiveRoom, roomID)
		})
	}

	return s
}

// Send delivers text to a room. Transient failures never reach the caller:
// the message is queued and the result has status pending. Application and
// protocol errors are returned as is.
func (s *Service) Send(ctx context.Context, roomID, text, attachment string) (SendResult, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return SendResult{}, errors.New("room is required")
	}
	if strings.TrimSpace(text) == "" && attachment == "" {
		return SendResult{}, errors.New("message is empty")
	}

	label := s.router.Bind(roomID)
	msg := outbox.NewMessage(roomID, text, attachment)
	result := SendResult{MessageID: msg.ID, RoomID: roomID, Label: label}

	if s.gateway.IsConnected() {
		runID, err := s.SendQueued(ctx, msg)
		if err == nil {
			result.Status = domain.MessageStatusSent
			result.RunID = runID
			s.publish(msg, domain.MessageStatusSent, runID)
			s.logger.Debug("message sent", "message_id", msg.ID, "room", roomID, "run_id", runID)

			return result, nil
		}
		if !gateway.IsTransient(err) {
			return result, err
		}
		s.logger.Info("direct send failed, queueing", "message_id", msg.ID, "room", roomID, "error", err)
		result.Cause = err
	}

	if _, err := s.queue.Add(ctx, msg); err != nil {
		return result, fmt.Errorf("queue message: %w", err)
	}
	result.Status = domain.MessageStatusPending

	return result, nil
}

// SendQueued sends one message with its own idempotency key. It returns the
// run ID the gateway assigned, if any.
func (s *Service) SendQueued(ctx context.Context, m outbox.QueuedMessage) (string, error) {
	params := protocol.AgentParams{
		Message:        m.Text,
		SessionKey:     s.router.Bind(m.RoomID),
		IdempotencyKey: m.IdempotencyKey,
		AgentID:        s.agentID,
	}
	if m.Attachment != "" {
		params.Attachments = []protocol.Attachment{{Ref: m.Attachment}}
	}

	payload, err := s.gateway.Request(ctx, protocol.MethodAgent, params)
	if err != nil {
		return "", err
	}

	var accepted protocol.AgentAccepted
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &accepted); err != nil {
			s.logger.Debug("agent response without run id", "error", err)
		}
	}

	return accepted.RunID, nil
}

func (s *Service) IsConnected() bool {
	return s.gateway.IsConnected()
}

// SetActiveRoom focuses a room for unlabeled events. With a session writer
// the focus is remembered for the next session. An empty id clears it.
func (s *Service) SetActiveRoom(roomID string) {
	s.router.SetActiveRoom(strings.TrimSpace(roomID))
}

// RestoreActiveRoom focuses the room remembered by the previous session.
func (s *Service) RestoreActiveRoom(ctx context.Context, store domain.SessionStore) error {
	roomID, ok, err := store.Get(ctx, domain.SessionKeyActiveRoom)
	if err != nil {
		return fmt.Errorf("load active room: %w", err)
	}
	if ok && roomID != "" {
		s.router.SetActiveRoom(roomID)
	}

	return nil
}

func (s *Service) publish(m outbox.QueuedMessage, status domain.MessageStatus, runID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(connectors.TopicMessageStatus, domain.MessageStatusUpdate{
		MessageID: m.ID,
		RoomID:    m.RoomID,
		Status:    status,
		RunID:     runID,
		At:        time.Now(),
	})
}
