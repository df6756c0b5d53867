package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/clawlink/internal/domain"
	"github.com/skobkin/clawlink/internal/events"
	"github.com/skobkin/clawlink/internal/outbox"
)

const previewLen = 60

func roomTag(ev events.Event) string {
	if ev.Unrouted() {
		if ev.Label != "" {
			return "?" + ev.Label
		}

		return "?"
	}

	return ev.Room
}

func formatEvent(ev events.Event) string {
	tag := "[" + roomTag(ev) + "]"
	switch ev.Kind {
	case events.KindMessage:
		role := ev.Role
		if role == "" {
			role = "agent"
		}

		return fmt.Sprintf("%s %s: %s", tag, role, ev.Text)
	case events.KindDelta:
		return fmt.Sprintf("%s + %s", tag, ev.Delta)
	case events.KindTyping, events.KindThinking:
		state := "off"
		if ev.Active {
			state = "on"
		}

		return fmt.Sprintf("%s %s %s", tag, ev.Kind, state)
	case events.KindError:
		return fmt.Sprintf("%s error: %s", tag, ev.Err)
	default:
		return fmt.Sprintf("%s %s", tag, ev.Name)
	}
}

func formatStatusUpdate(u domain.MessageStatusUpdate) string {
	line := fmt.Sprintf("[%s] message %s %s", u.RoomID, shortID(u.MessageID), u.Status)
	if u.RetryCount > 0 {
		line += fmt.Sprintf(" (attempt %d)", u.RetryCount)
	}
	if u.Reason != "" {
		line += ": " + u.Reason
	}

	return line
}

func formatQueued(m outbox.QueuedMessage) string {
	return fmt.Sprintf("%s  %-16s  retries=%d  %s  %s",
		m.ID, m.RoomID, m.RetryCount, m.EnqueuedAt.Local().Format(time.DateTime), preview(m.Text))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) <= previewLen {
		return text
	}

	return string([]rune(text)[:previewLen-1]) + "…"
}
