package domain

import (
	"context"
	"testing"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
)

func TestDeliveryStore_ApplyTracksLatestStatus(t *testing.T) {
	store := NewDeliveryStore()

	store.Apply(MessageStatusUpdate{MessageID: "m1", RoomID: "A", Status: MessageStatusPending})
	store.Apply(MessageStatusUpdate{MessageID: "m1", RoomID: "A", Status: MessageStatusSent, RunID: "run-1"})

	d, ok := store.Get("m1")
	if !ok {
		t.Fatalf("expected delivery m1")
	}
	if d.Status != MessageStatusSent || d.RunID != "run-1" {
		t.Fatalf("expected sent with run id, got %+v", d)
	}
}

func TestDeliveryStore_TerminalStatusIsNotReverted(t *testing.T) {
	store := NewDeliveryStore()

	store.Apply(MessageStatusUpdate{MessageID: "m1", Status: MessageStatusFailed, Reason: "retry budget exhausted"})
	store.Apply(MessageStatusUpdate{MessageID: "m1", Status: MessageStatusPending})

	d, _ := store.Get("m1")
	if d.Status != MessageStatusFailed || d.Reason != "retry budget exhausted" {
		t.Fatalf("expected failed status to stick, got %+v", d)
	}
}

func TestDeliveryStore_ByRoomKeepsFirstSeenOrder(t *testing.T) {
	store := NewDeliveryStore()
	store.Load([]Delivery{
		{MessageID: "m1", RoomID: "A", Status: MessageStatusPending},
		{MessageID: "m2", RoomID: "B", Status: MessageStatusPending},
	})
	store.Apply(MessageStatusUpdate{MessageID: "m3", RoomID: "A", Status: MessageStatusPending})
	store.Apply(MessageStatusUpdate{MessageID: "m1", RoomID: "A", Status: MessageStatusSent})

	roomA := store.ByRoom("A")
	if len(roomA) != 2 || roomA[0].MessageID != "m1" || roomA[1].MessageID != "m3" {
		t.Fatalf("unexpected room A deliveries %+v", roomA)
	}
	if all := store.ByRoom(""); len(all) != 3 {
		t.Fatalf("expected 3 deliveries overall, got %d", len(all))
	}
}

func TestDeliveryStore_StartConsumesBus(t *testing.T) {
	b := bus.New(nil)
	t.Cleanup(b.Close)
	store := NewDeliveryStore()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store.Start(ctx, b)

	b.Publish(connectors.TopicMessageStatus, MessageStatusUpdate{MessageID: "m1", RoomID: "A", Status: MessageStatusSent})

	deadline := time.After(2 * time.Second)
	for {
		if d, ok := store.Get("m1"); ok && d.Status == MessageStatusSent {
			return
		}
		select {
		case <-store.Changes():
		case <-deadline:
			t.Fatalf("status update not consumed")
		}
	}
}

func TestMessageStatusString(t *testing.T) {
	cases := map[MessageStatus]string{
		MessageStatusPending: "pending",
		MessageStatusSent:    "sent",
		MessageStatusFailed:  "failed",
		MessageStatus(0):     "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
