package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/protocol"
	"github.com/skobkin/clawlink/internal/rooms"
)

func agentEvent(t *testing.T, name string, payload map[string]any) protocol.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return protocol.Event{Name: name, Payload: raw}
}

func collect(d *Dispatcher) *[]Event {
	var got []Event
	d.OnMessage(func(ev Event) { got = append(got, ev) })

	return &got
}

func TestDispatcher_InterleavedRoomsKeepAttributionAndOrder(t *testing.T) {
	router := rooms.NewRouter(rooms.DefaultLabelPrefix)
	router.Bind("A")
	router.Bind("B")
	d := NewDispatcher(nil, router, nil)
	got := collect(d)

	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"sessionKey": "room-A", "text": "a1"}))
	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"sessionKey": "room-B", "text": "b1"}))
	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"sessionKey": "room-A", "text": "a2"}))
	d.HandleEvent(agentEvent(t, protocol.EventChat, map[string]any{"label": "room-B", "text": "b2"}))

	want := []struct{ room, text string }{{"A", "a1"}, {"B", "b1"}, {"A", "a2"}, {"B", "b2"}}
	if len(*got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(*got))
	}
	for i, w := range want {
		ev := (*got)[i]
		if ev.Room != w.room || ev.Text != w.text || ev.Kind != KindMessage || ev.Route != rooms.RouteLabeled {
			t.Fatalf("event %d: expected %s/%s message, got %+v", i, w.room, w.text, ev)
		}
	}
}

func TestDispatcher_StreamingDeltasInExactOrder(t *testing.T) {
	router := rooms.NewRouter(rooms.DefaultLabelPrefix)
	router.Bind("A")
	d := NewDispatcher(nil, router, nil)
	got := collect(d)

	for _, delta := range []string{"Hel", "lo", " there"} {
		d.HandleEvent(agentEvent(t, protocol.EventAgentStream, map[string]any{"sessionKey": "room-A", "delta": delta}))
	}

	if len(*got) != 3 {
		t.Fatalf("expected 3 deltas without coalescing, got %d", len(*got))
	}
	for i, delta := range []string{"Hel", "lo", " there"} {
		if ev := (*got)[i]; ev.Kind != KindDelta || ev.Delta != delta || ev.Room != "A" {
			t.Fatalf("delta %d: expected %q, got %+v", i, delta, ev)
		}
	}
}

func TestDispatcher_Classification(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload map[string]any
		kind    Kind
		active  bool
		errText string
	}{
		{name: "agent message", event: protocol.EventAgent, payload: map[string]any{"text": "hi"}, kind: KindMessage},
		{name: "assistant stream on agent", event: protocol.EventAgent, payload: map[string]any{"stream": "assistant", "delta": "x"}, kind: KindDelta},
		{name: "typing on", event: protocol.EventAgentTyping, payload: map[string]any{"typing": true}, kind: KindTyping, active: true},
		{name: "typing off", event: protocol.EventAgentTyping, payload: map[string]any{"typing": false}, kind: KindTyping},
		{name: "thinking without flag", event: protocol.EventAgentThinking, payload: map[string]any{}, kind: KindThinking, active: true},
		{name: "agent error", event: protocol.EventAgentError, payload: map[string]any{"error": map[string]any{"code": "RATE", "message": "slow down"}}, kind: KindError, errText: "slow down"},
		{name: "error field on agent", event: protocol.EventAgent, payload: map[string]any{"error": "boom"}, kind: KindError, errText: "boom"},
		{name: "plain error", event: protocol.EventError, payload: map[string]any{"text": "bad"}, kind: KindError, errText: "bad"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(nil, rooms.NewRouter(""), nil)
			got := collect(d)
			d.HandleEvent(agentEvent(t, tc.event, tc.payload))
			if len(*got) != 1 {
				t.Fatalf("expected one event, got %d", len(*got))
			}
			ev := (*got)[0]
			if ev.Kind != tc.kind || ev.Active != tc.active || ev.Err != tc.errText {
				t.Fatalf("expected kind=%s active=%v err=%q, got kind=%s active=%v err=%q",
					tc.kind, tc.active, tc.errText, ev.Kind, ev.Active, ev.Err)
			}
		})
	}
}

func TestDispatcher_UnknownEventsAreNotDispatched(t *testing.T) {
	d := NewDispatcher(nil, rooms.NewRouter(""), nil)
	got := collect(d)

	d.HandleEvent(protocol.Event{Name: "presence"})
	d.HandleEvent(protocol.Event{Name: protocol.EventTick})
	if len(*got) != 0 {
		t.Fatalf("expected nothing dispatched, got %+v", *got)
	}
}

func TestDispatcher_UnroutedEventsStillDispatched(t *testing.T) {
	router := rooms.NewRouter(rooms.DefaultLabelPrefix)
	d := NewDispatcher(nil, router, nil)
	got := collect(d)

	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"sessionKey": "room-ghost", "text": "?"}))
	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"text": "no label"}))

	if len(*got) != 2 {
		t.Fatalf("expected both events dispatched, got %d", len(*got))
	}
	for _, ev := range *got {
		if !ev.Unrouted() || ev.Room != "" {
			t.Fatalf("expected unrouted event, got %+v", ev)
		}
	}
	if (*got)[0].Label != "room-ghost" {
		t.Fatalf("expected unknown label kept, got %q", (*got)[0].Label)
	}
}

func TestDispatcher_UnlabeledEventFallsBackToActiveRoom(t *testing.T) {
	router := rooms.NewRouter(rooms.DefaultLabelPrefix)
	router.SetActiveRoom("focus")
	d := NewDispatcher(nil, router, nil)
	got := collect(d)

	d.HandleEvent(agentEvent(t, protocol.EventAgentTyping, map[string]any{"typing": true}))
	if len(*got) != 1 {
		t.Fatalf("expected one event, got %d", len(*got))
	}
	if ev := (*got)[0]; ev.Room != "focus" || ev.Route != rooms.RouteActiveFallback {
		t.Fatalf("expected active-room fallback, got %+v", ev)
	}
}

func TestDispatcher_HandlersInRegistrationOrderAndUnsubscribe(t *testing.T) {
	d := NewDispatcher(nil, rooms.NewRouter(""), nil)
	var order []string
	d.OnMessage(func(Event) { order = append(order, "first") })
	unsubscribe := d.OnMessage(func(Event) { order = append(order, "second") })
	d.OnMessage(func(Event) { order = append(order, "third") })

	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"text": "x"}))
	unsubscribe()
	unsubscribe()
	d.HandleEvent(agentEvent(t, protocol.EventAgent, map[string]any{"text": "y"}))

	want := []string{"first", "second", "third", "first", "third"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestDispatcher_PublishesOnBus(t *testing.T) {
	b := bus.New(nil)
	t.Cleanup(b.Close)
	sub := b.Subscribe(connectors.TopicRoomEvent)

	router := rooms.NewRouter(rooms.DefaultLabelPrefix)
	router.Bind("A")
	d := NewDispatcher(nil, router, b)
	seq := int64(7)
	raw, _ := json.Marshal(map[string]any{"sessionKey": "room-A", "text": "hello"})
	d.HandleEvent(protocol.Event{Name: protocol.EventAgent, Payload: raw, Seq: &seq})

	select {
	case msg := <-sub:
		ev, ok := msg.(Event)
		if !ok {
			t.Fatalf("unexpected payload %T", msg)
		}
		if ev.Room != "A" || ev.Seq == nil || *ev.Seq != 7 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not published on bus")
	}
}
