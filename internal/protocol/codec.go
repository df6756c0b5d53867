package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolError reports a frame that cannot be understood.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}

	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// EncodeRequest serializes a request frame. params may be nil, a json.RawMessage
// or any value json.Marshal accepts.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("request id is required")
	}
	if strings.TrimSpace(method) == "" {
		return nil, errors.New("request method is required")
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	raw, err := json.Marshal(wireFrame{
		Type:   FrameRequest,
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request frame: %w", err)
	}

	return raw, nil
}

// EncodeResponse serializes a response frame. Used by gateway fakes in tests
// and by tooling that replays server traffic.
func EncodeResponse(res Response) ([]byte, error) {
	ok := res.OK
	raw, err := json.Marshal(wireFrame{
		Type:    FrameResponse,
		ID:      res.ID,
		OK:      &ok,
		Payload: res.Payload,
		Error:   res.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response frame: %w", err)
	}

	return raw, nil
}

// EncodeEvent serializes an event frame.
func EncodeEvent(ev Event) ([]byte, error) {
	raw, err := json.Marshal(wireFrame{
		Type:    FrameEvent,
		Event:   ev.Name,
		Payload: ev.Payload,
		Seq:     ev.Seq,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event frame: %w", err)
	}

	return raw, nil
}

// Decode parses one inbound frame. Request frames are rejected: the server
// never issues requests to this client.
func Decode(payload []byte) (Decoded, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Decoded{}, &ProtocolError{Reason: "empty frame"}
	}

	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Decoded{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}

	switch frame.Type {
	case FrameResponse:
		if frame.ID == "" {
			return Decoded{}, &ProtocolError{Reason: "response without id"}
		}
		if frame.OK == nil {
			return Decoded{}, &ProtocolError{Reason: fmt.Sprintf("response %s without ok", frame.ID)}
		}
		res := &Response{
			ID:      frame.ID,
			OK:      *frame.OK,
			Payload: frame.Payload,
			Error:   frame.Error,
		}
		if !res.OK && res.Error == nil {
			res.Error = &ErrorShape{Code: "UNKNOWN", Message: "request failed"}
		}

		return Decoded{Response: res}, nil
	case FrameEvent:
		if frame.Event == "" {
			return Decoded{}, &ProtocolError{Reason: "event without name"}
		}

		return Decoded{Event: &Event{Name: frame.Event, Payload: frame.Payload, Seq: frame.Seq}}, nil
	case FrameRequest:
		return Decoded{}, &ProtocolError{Reason: "unexpected request frame from server"}
	case "":
		return Decoded{}, &ProtocolError{Reason: "frame without type"}
	default:
		return Decoded{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", frame.Type)}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("params are not valid json")
		}

		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}

		return raw, nil
	}
}
