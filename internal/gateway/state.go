package gateway

import "github.com/skobkin/clawlink/internal/connectors"

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	return string(s.ConnectionState())
}

// ConnectionState maps the state onto the bus vocabulary.
func (s State) ConnectionState() connectors.ConnectionState {
	switch s {
	case StateConnecting:
		return connectors.ConnectionStateConnecting
	case StateHandshaking:
		return connectors.ConnectionStateHandshaking
	case StateConnected:
		return connectors.ConnectionStateConnected
	case StateReconnecting:
		return connectors.ConnectionStateReconnecting
	default:
		return connectors.ConnectionStateDisconnected
	}
}
