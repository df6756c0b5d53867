package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by frame operations on a transport that has no
// open socket.
var ErrNotConnected = errors.New("transport is not connected")

// Transport carries whole text frames over one socket.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver is implemented by transports that describe their peer
// for connection status better than the raw endpoint does.
type StatusTargetResolver interface {
	StatusTarget() string
}

// Dialer builds a fresh, unconnected transport for an endpoint.
type Dialer func(endpoint string) Transport
