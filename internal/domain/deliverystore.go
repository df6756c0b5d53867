package domain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
)

// DeliveryStore keeps the delivery state of outgoing messages in memory. It is
// fed from the message status topic.
type DeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
	seq        map[string]int
	nextSeq    int
	changes    chan struct{}
}

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		deliveries: make(map[string]Delivery),
		seq:        make(map[string]int),
		changes:    make(chan struct{}, 1),
	}
}

func (s *DeliveryStore) Load(items []Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.putLocked(item)
	}
	s.notify()
}

func (s *DeliveryStore) Start(ctx context.Context, b bus.MessageBus) {
	sub := b.Subscribe(connectors.TopicMessageStatus)

	go func() {
		defer b.Unsubscribe(sub, connectors.TopicMessageStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				update, ok := msg.(MessageStatusUpdate)
				if !ok {
					continue
				}
				s.Apply(update)
			}
		}
	}()
}

// Apply records an update. Terminal states are never reverted to pending.
func (s *DeliveryStore) Apply(update MessageStatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.deliveries[update.MessageID]; ok && existing.Status.Terminal() && !update.Status.Terminal() {
		return
	}
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	s.putLocked(Delivery{
		MessageID:  update.MessageID,
		RoomID:     update.RoomID,
		Status:     update.Status,
		RetryCount: update.RetryCount,
		RunID:      update.RunID,
		Reason:     update.Reason,
		UpdatedAt:  at,
	})
	s.notify()
}

func (s *DeliveryStore) Get(messageID string) (Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[messageID]

	return d, ok
}

// ByRoom lists deliveries of a room in first-seen order. An empty room lists
// all of them.
func (s *DeliveryStore) ByRoom(roomID string) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if roomID == "" || d.RoomID == roomID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].MessageID] < s.seq[out[j].MessageID]
	})

	return out
}

func (s *DeliveryStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *DeliveryStore) putLocked(d Delivery) {
	if _, ok := s.seq[d.MessageID]; !ok {
		s.nextSeq++
		s.seq[d.MessageID] = s.nextSeq
	}
	s.deliveries[d.MessageID] = d
}

func (s *DeliveryStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
