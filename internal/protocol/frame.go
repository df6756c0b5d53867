package protocol

import "encoding/json"

// FrameType is the `type` discriminator carried by every wire frame.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Event names the client gives meaning to.
const (
	EventAgent         = "agent"
	EventChat          = "chat"
	EventAgentStream   = "agent.stream"
	EventAgentThinking = "agent.thinking"
	EventAgentTyping   = "agent.typing"
	EventAgentError    = "agent.error"
	EventError         = "error"
	EventTick          = "tick"
	EventChallenge     = "connect.challenge"
)

// Request is a client to server frame.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// ErrorShape is the error object of a failed response.
type ErrorShape struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Error   *ErrorShape
}

// Event is an unsolicited server frame.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     *int64
}

// Decoded is a parsed inbound frame. Exactly one field is set.
type Decoded struct {
	Response *Response
	Event    *Event
}

// wireFrame is the JSON shape shared by all frame kinds.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}
