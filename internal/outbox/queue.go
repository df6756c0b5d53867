package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/gateway"
)

const (
	// ReasonRetryBudgetExhausted is the reason of the terminal failed status.
	ReasonRetryBudgetExhausted = "retry budget exhausted"
	// ReasonCleared marks messages dropped by Clear.
	ReasonCleared = "removed from outbox"
)

type Options struct {
	Logger      *slog.Logger
	Bus         bus.MessageBus
	Store       Store
	Sender      Sender
	RetryBudget int
}

// Queue is the only writer of outbox rows. Rows are written to the Store
// before the in-memory cache is updated.
type Queue struct {
	logger *slog.Logger
	bus    bus.MessageBus
	store  Store
	budget int

	mu     sync.Mutex
	sender Sender
	items  []QueuedMessage

	// flushMu is held for a whole flush pass and by Clear.
	flushMu sync.Mutex
	flushes sync.WaitGroup
}

func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budget := opts.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}

	return &Queue{
		logger: logger,
		bus:    opts.Bus,
		store:  opts.Store,
		sender: opts.Sender,
		budget: budget,
	}
}

// SetSender installs the sender when it is built after the queue.
func (q *Queue) SetSender(s Sender) {
	q.mu.Lock()
	q.sender = s
	q.mu.Unlock()
}

// Load replaces the cache with the store contents. The store is
// authoritative, so it is safe to call after a restart.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.LoadQueued(ctx)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}

	q.mu.Lock()
	q.items = append([]QueuedMessage(nil), items...)
	q.mu.Unlock()
	q.logger.Info("outbox loaded", "count", len(items))

	return nil
}

// Enqueue persists a new message and returns it.
func (q *Queue) Enqueue(ctx context.Context, roomID, text, attachment string) (QueuedMessage, error) {
	return q.Add(ctx, NewMessage(roomID, text, attachment))
}

// Add persists m, keeping identifiers that are already set.
func (q *Queue) Add(ctx context.Context, m QueuedMessage) (QueuedMessage, error) {
	if strings.TrimSpace(m.RoomID) == "" {
		return QueuedMessage{}, errors.New("queued message has no room")
	}
	fresh := NewMessage(m.RoomID, m.Text, m.Attachment)
	if m.ID == "" {
		m.ID = fresh.ID
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = fresh.IdempotencyKey
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = fresh.EnqueuedAt
	}

	if err := q.store.SaveQueued(ctx, m); err != nil {
		return QueuedMessage{}, fmt.Errorf("persist queued message: %w", err)
	}

	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	q.logger.Debug("message queued", "message_id", m.ID, "room", m.RoomID)
	q.publish(m, domain.MessageStatusPending, "", "")

	return m, nil
}

// Queued lists queued messages in enqueue order. An empty room lists all.
func (q *Queue) Queued(roomID string) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedMessage, 0, len(q.items))
	for _, m := range q.items {
		if roomID == "" || m.RoomID == roomID {
			out = append(out, m)
		}
	}

	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Flush attempts every queued message once, oldest first, and returns how
// many were delivered. A call made while another flush runs returns 0.
func (q *Queue) Flush(ctx context.Context) int {
	if !q.flushMu.TryLock() {
		return 0
	}
	defer q.flushMu.Unlock()

	q.mu.Lock()
	sender := q.sender
	batch := append([]QueuedMessage(nil), q.items...)
	q.mu.Unlock()

	if sender == nil || !sender.IsConnected() || len(batch) == 0 {
		return 0
	}

	sent := 0
	for _, m := range batch {
		if ctx.Err() != nil {
			break
		}

		runID, err := sender.SendQueued(ctx, m)
		if err == nil {
			if err := q.remove(ctx, m.ID); err != nil {
				q.logger.Error("delete sent message failed", "message_id", m.ID, "error", err)
			}
			sent++
			q.publish(m, domain.MessageStatusSent, runID, "")

			continue
		}

		if ctx.Err() != nil {
			// The caller gave up. The attempt does not count.
			q.logger.Info("flush interrupted", "message_id", m.ID, "error", err)

			break
		}
		if q.recordFailure(ctx, m, err) && gateway.IsTransient(err) {
			q.logger.Info("flush paused", "message_id", m.ID, "error", err)

			break
		}
	}

	if sent > 0 {
		q.logger.Info("outbox flushed", "sent", sent, "remaining", q.Len())
	}

	return sent
}

// Clear drops every queued message without sending it and returns how many
// were dropped. It waits for a running flush, so a failed attempt cannot
// write a cleared row back.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := append([]QueuedMessage(nil), q.items...)
	q.mu.Unlock()

	dropped := 0
	for _, m := range batch {
		if err := q.remove(ctx, m.ID); err != nil {
			return dropped, fmt.Errorf("clear outbox: %w", err)
		}
		dropped++
		q.publish(m, domain.MessageStatusFailed, "", ReasonCleared)
	}
	if dropped > 0 {
		q.logger.Info("outbox cleared", "dropped", dropped)
	}

	return dropped, nil
}

// FlushOnConnect starts a flush on every transition to connected.
func (q *Queue) FlushOnConnect(ctx context.Context, n ConnectionNotifier) (unsubscribe func()) {
	return n.OnConnectionChange(func(connected bool) {
		if !connected {
			return
		}
		q.flushes.Add(1)
		go func() {
			defer q.flushes.Done()
			q.Flush(ctx)
		}()
	})
}

// Wait blocks until flushes started by FlushOnConnect have returned.
func (q *Queue) Wait() {
	q.flushes.Wait()
}

// recordFailure counts a failed attempt. It reports whether the message is
// still queued.
func (q *Queue) recordFailure(ctx context.Context, m QueuedMessage, cause error) bool {
	m.RetryCount++
	if m.RetryCount > q.budget {
		if err := q.remove(ctx, m.ID); err != nil {
			q.logger.Error("delete exhausted message failed", "message_id", m.ID, "error", err)
		}
		q.logger.Warn("message dropped", "message_id", m.ID, "room", m.RoomID, "attempts", m.RetryCount, "error", cause)
		q.publish(m, domain.MessageStatusFailed, "", ReasonRetryBudgetExhausted+": "+cause.Error())

		return false
	}

	if err := q.store.SaveQueued(ctx, m); err != nil {
		q.logger.Error("persist retry count failed", "message_id", m.ID, "error", err)
	}
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == m.ID {
			q.items[i].RetryCount = m.RetryCount
		}
	}
	q.mu.Unlock()

	q.logger.Debug("send attempt failed", "message_id", m.ID, "attempt", m.RetryCount, "error", cause)
	q.publish(m, domain.MessageStatusPending, "", cause.Error())

	return true
}

func (q *Queue) remove(ctx context.Context, id string) error {
	err := q.store.DeleteQueued(ctx, id)

	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)

			break
		}
	}
	q.mu.Unlock()

	return err
}

func (q *Queue) publish(m QueuedMessage, status domain.MessageStatus, runID, reason string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(connectors.TopicMessageStatus, domain.MessageStatusUpdate{
		MessageID:  m.ID,
		RoomID:     m.RoomID,
		Status:     status,
		RetryCount: m.RetryCount,
		RunID:      runID,
		Reason:     reason,
		At:         time.Now(),
	})
}
