package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/clawlink/internal/protocol"
)

// ErrNotConnected is wrapped by the TransportError returned when a request is
// issued while the client is not in the Connected state.
var ErrNotConnected = errors.New("gateway is not connected")

// ErrAborted is wrapped when Disconnect interrupts a connection attempt.
var ErrAborted = errors.New("connection attempt aborted")

// ErrConnectionLost is wrapped when the link drops before the handshake
// finished.
var ErrConnectionLost = errors.New("connection lost during handshake")

// TransportError reports a socket-level failure: closed, unreachable or not
// connected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a request that got no response before its deadline.
// The server may still process it.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway request %s (id %s) timed out after %s", e.Method, e.ID, e.After)
}

// HandshakeError is a terminal rejection of the connect handshake.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway handshake rejected: %s: %s", e.Code, e.Message)
}

func (e *HandshakeError) Unauthorized() bool {
	return e.Code == protocol.CodeUnauthorized || e.Code == protocol.CodeAuthFailed
}

func (e *HandshakeError) UnsupportedVersion() bool {
	return e.Code == protocol.CodeProtocolUnsupported || e.Code == protocol.CodeUnsupportedProtocol
}

// ApplicationError is a response with ok:false.
type ApplicationError struct {
	Method    string
	Code      string
	Message   string
	Retryable bool
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("gateway %s failed: %s: %s", e.Method, e.Code, e.Message)
}

// IsTransient reports whether err means the request may succeed later on a
// healthy connection: a transport failure or a timeout.
func IsTransient(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var timeoutErr *TimeoutError

	return errors.As(err, &timeoutErr)
}

func applicationError(method string, shape *protocol.ErrorShape) *ApplicationError {
	if shape == nil {
		return &ApplicationError{Method: method, Code: "UNKNOWN", Message: "request failed"}
	}

	return &ApplicationError{
		Method:    method,
		Code:      shape.Code,
		Message:   shape.Message,
		Retryable: shape.Retryable,
	}
}
