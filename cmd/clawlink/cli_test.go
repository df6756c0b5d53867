package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/config"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/events"
	"github.com/skobkin/clawlink/internal/rooms"
)

// unreachable refuses connections immediately.
const unreachable = "ws://127.0.0.1:1"

func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--quiet"}, args...))
	err := cmd.Execute()

	return out.String(), err
}

func TestSendOfflineQueuesAndQueueListsIt(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "--endpoint", unreachable, "send", "--connect-timeout", "2s", "alpha", "hello", "there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(out, "queued ") {
		t.Fatalf("expected queued output, got %q", out)
	}

	out, err = runCLI(t, dir, "queue")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "hello there") {
		t.Fatalf("expected queued message listed, got %q", out)
	}

	out, err = runCLI(t, dir, "rooms")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if !strings.Contains(out, rooms.LabelFor(config.DefaultLabelPrefix, "alpha")) || !strings.Contains(out, "queued=1") {
		t.Fatalf("expected room binding with one queued message, got %q", out)
	}

	out, err = runCLI(t, dir, "queue", "clear")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	if !strings.Contains(out, "dropped 1") {
		t.Fatalf("unexpected clear output %q", out)
	}

	out, err = runCLI(t, dir, "queue")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if !strings.Contains(out, "outbox is empty") {
		t.Fatalf("expected empty outbox, got %q", out)
	}
}

func TestSendRequiresRoomAndText(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "send", "alpha"); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestConfigSetAndShow(t *testing.T) {
	dir := t.TempDir()

	if _, err := runCLI(t, dir, "config", "set", "gateway.endpoint=wss://gw.example/ws", "gateway.token=secret", "queue.retry_budget=3"); err != nil {
		t.Fatalf("config set: %v", err)
	}

	out, err := runCLI(t, dir, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var cfg config.AppConfig
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode shown config: %v\n%s", err, out)
	}
	if cfg.Gateway.Endpoint != "wss://gw.example/ws" || cfg.Queue.RetryBudget != 3 {
		t.Fatalf("settings not saved: %+v", cfg)
	}
	if cfg.Gateway.Token != redacted {
		t.Fatalf("expected token redacted, got %q", cfg.Gateway.Token)
	}
}

func TestConfigSetRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown key", args: []string{"gateway.endpoint=ws://gw", "nope=1"}},
		{name: "missing equals", args: []string{"gateway.endpoint"}},
		{name: "bad budget", args: []string{"gateway.endpoint=ws://gw", "queue.retry_budget=0"}},
		{name: "bad scheme", args: []string{"gateway.endpoint=http://gw"}},
	}

	for _, tc := range tests {
		args := append([]string{"config", "set"}, tc.args...)
		if _, err := runCLI(t, t.TempDir(), args...); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestRoomsUseRemembersActiveRoom(t *testing.T) {
	dir := t.TempDir()

	if _, err := runCLI(t, dir, "rooms", "use", "beta"); err != nil {
		t.Fatalf("rooms use: %v", err)
	}
	out, err := runCLI(t, dir, "rooms")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if !strings.Contains(out, "* beta") {
		t.Fatalf("expected beta marked active, got %q", out)
	}

	if _, err := runCLI(t, dir, "rooms", "use", "--clear"); err != nil {
		t.Fatalf("rooms use --clear: %v", err)
	}
	out, err = runCLI(t, dir, "rooms")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if strings.Contains(out, "*") || !strings.Contains(out, "beta") {
		t.Fatalf("expected beta kept but no longer active, got %q", out)
	}

	if _, err := runCLI(t, dir, "rooms", "forget", "beta"); err != nil {
		t.Fatalf("rooms forget: %v", err)
	}
	out, err = runCLI(t, dir, "rooms")
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if !strings.Contains(out, "no rooms") {
		t.Fatalf("expected no rooms after forget, got %q", out)
	}
}

func TestRoomsForgetRefusesRoomWithQueuedMessages(t *testing.T) {
	dir := t.TempDir()

	if _, err := runCLI(t, dir, "--endpoint", unreachable, "send", "--connect-timeout", "2s", "alpha", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := runCLI(t, dir, "rooms", "forget", "alpha"); err == nil {
		t.Fatalf("expected forget to refuse a room with queued messages")
	}
}

func TestInvalidLogLevelIsRejected(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "--log-level", "loud", "queue"); err == nil {
		t.Fatalf("expected log level error")
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "message",
			ev:   events.Event{Room: "alpha", Route: rooms.RouteLabeled, Kind: events.KindMessage, Role: "assistant", Text: "hi"},
			want: "[alpha] assistant: hi",
		},
		{
			name: "delta",
			ev:   events.Event{Room: "alpha", Route: rooms.RouteLabeled, Kind: events.KindDelta, Delta: "par"},
			want: "[alpha] + par",
		},
		{
			name: "typing",
			ev:   events.Event{Room: "alpha", Route: rooms.RouteActiveFallback, Kind: events.KindTyping, Active: true},
			want: "[alpha] typing on",
		},
		{
			name: "unrouted error",
			ev:   events.Event{Label: "room-x", Route: rooms.RouteUnrouted, Kind: events.KindError, Err: "boom"},
			want: "[?room-x] error: boom",
		},
	}

	for _, tc := range tests {
		if got := formatEvent(tc.ev); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestFormatStatusUpdate(t *testing.T) {
	got := formatStatusUpdate(domain.MessageStatusUpdate{
		MessageID:  "0123456789abcdef",
		RoomID:     "alpha",
		Status:     domain.MessageStatusFailed,
		RetryCount: 6,
		Reason:     "retry budget exhausted",
	})
	want := "[alpha] message 01234567 failed (attempt 6): retry budget exhausted"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPreviewTruncatesLongText(t *testing.T) {
	long := strings.Repeat("a", previewLen+10)
	got := preview(long)
	if len([]rune(got)) != previewLen {
		t.Fatalf("expected %d runes, got %d", previewLen, len([]rune(got)))
	}
	if preview("two\nlines") != "two lines" {
		t.Fatalf("expected whitespace collapsed")
	}
}

func TestWatchLoopFiltersRoomAndStopsWhenLinkIsLost(t *testing.T) {
	sub := make(bus.Subscription, 8)
	sub <- connectors.ConnectionStatus{State: connectors.ConnectionStateConnected, Target: "ws://gw"}
	sub <- events.Event{Room: "alpha", Route: rooms.RouteLabeled, Kind: events.KindMessage, Text: "mine"}
	sub <- events.Event{Room: "beta", Route: rooms.RouteLabeled, Kind: events.KindMessage, Text: "other"}
	sub <- domain.MessageStatusUpdate{MessageID: "m1", RoomID: "alpha", Status: domain.MessageStatusSent}
	sub <- connectors.ConnectionStatus{State: connectors.ConnectionStateDisconnected, Err: "eof"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out bytes.Buffer
	err := watchLoop(ctx, &out, sub, "alpha")
	if err != errLinkLost {
		t.Fatalf("expected link lost, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"-- online ws://gw",
		"[alpha] agent: mine",
		"[alpha] message m1 sent",
		"-- offline: eof",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %q", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}
