// Package events classifies inbound gateway events and fans them out to
// room-aware subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/protocol"
	"github.com/skobkin/clawlink/internal/rooms"
)

type Kind int

const (
	KindMessage Kind = iota + 1
	KindDelta
	KindTyping
	KindThinking
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDelta:
		return "delta"
	case KindTyping:
		return "typing"
	case KindThinking:
		return "thinking"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a normalized inbound event attributed to a room. Room is empty
// when Route is rooms.RouteUnrouted.
type Event struct {
	Room    string
	Label   string
	Route   rooms.Route
	Kind    Kind
	Name    string
	Seq     *int64
	RunID   string
	Role    string
	Text    string
	Delta   string
	Active  bool
	Err     string
	Payload json.RawMessage
	At      time.Time
}

func (e Event) Unrouted() bool {
	return e.Route == rooms.RouteUnrouted
}

// Dispatcher is driven by the connection's reader goroutine. Handlers run
// synchronously in registration order and must not block.
type Dispatcher struct {
	logger *slog.Logger
	router *rooms.Router
	bus    bus.MessageBus
	now    func() time.Time

	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64

	seqMu   sync.Mutex
	lastSeq *int64
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

func NewDispatcher(logger *slog.Logger, router *rooms.Router, b bus.MessageBus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if router == nil {
		router = rooms.NewRouter("")
	}

	return &Dispatcher{
		logger: logger,
		router: router,
		bus:    b,
		now:    time.Now,
	}
}

func (d *Dispatcher) OnMessage(handler func(Event)) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, handlerEntry{id: id, fn: handler})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, h := range d.handlers {
			if h.id == id {
				d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)

				return
			}
		}
	}
}

// ResetSequence forgets the last seen seq. Call it when a new connection
// starts a fresh event stream.
func (d *Dispatcher) ResetSequence() {
	d.seqMu.Lock()
	d.lastSeq = nil
	d.seqMu.Unlock()
}

func (d *Dispatcher) HandleEvent(ev protocol.Event) {
	d.checkSequence(ev)

	out, ok := d.classify(ev)
	if !ok {
		d.logger.Debug("ignore event", "event", ev.Name)

		return
	}
	if out.Unrouted() {
		d.logger.Debug("unrouted event", "event", ev.Name, "label", out.Label)
	}

	d.mu.RLock()
	handlers := make([]func(Event), len(d.handlers))
	for i, h := range d.handlers {
		handlers[i] = h.fn
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(out)
	}
	if d.bus != nil {
		d.bus.Publish(connectors.TopicRoomEvent, out)
	}
}

func (d *Dispatcher) classify(ev protocol.Event) (Event, bool) {
	var payload protocol.AgentEventPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			d.logger.Warn("decode event payload failed", "event", ev.Name, "error", err)
			payload = protocol.AgentEventPayload{}
		}
	}

	var kind Kind
	switch ev.Name {
	case protocol.EventAgent, protocol.EventChat:
		kind = KindMessage
		if payload.Stream == "assistant" && payload.Delta != "" {
			kind = KindDelta
		}
	case protocol.EventAgentStream:
		kind = KindDelta
	case protocol.EventAgentTyping:
		kind = KindTyping
	case protocol.EventAgentThinking:
		kind = KindThinking
	case protocol.EventAgentError, protocol.EventError:
		kind = KindError
	default:
		return Event{}, false
	}
	errText := errorText(payload.Error)
	if errText != "" {
		kind = KindError
	}

	attr := d.router.Attribute(payload.RoutingLabel())
	out := Event{
		Room:    attr.RoomID,
		Label:   attr.Label,
		Route:   attr.Route,
		Kind:    kind,
		Name:    ev.Name,
		Seq:     ev.Seq,
		RunID:   payload.RunID,
		Role:    payload.Role,
		Text:    payload.Text,
		Delta:   payload.Delta,
		Err:     errText,
		Payload: ev.Payload,
		At:      d.now(),
	}
	switch kind {
	case KindTyping:
		out.Active = flagOrTrue(payload.Typing)
	case KindThinking:
		out.Active = flagOrTrue(payload.Thinking)
	case KindError:
		if out.Err == "" {
			out.Err = payload.Text
		}
	}

	return out, true
}

func (d *Dispatcher) checkSequence(ev protocol.Event) {
	if ev.Seq == nil {
		return
	}
	seq := *ev.Seq

	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.lastSeq != nil && seq != *d.lastSeq+1 {
		d.logger.Warn("event sequence gap", "expected", *d.lastSeq+1, "got", seq, "event", ev.Name)
	}
	d.lastSeq = &seq
}

func flagOrTrue(v *bool) bool {
	if v == nil {
		return true
	}

	return *v
}

// errorText extracts a message from an error field that is either a string or
// an object with a message.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var shape struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &shape); err == nil {
		switch {
		case shape.Message != "":
			return shape.Message
		case shape.Code != "":
			return shape.Code
		}
	}

	return string(raw)
}
