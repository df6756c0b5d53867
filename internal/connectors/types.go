package connectors

import "time"

// ConnectionState describes the gateway link lifecycle state shown in UI.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateHandshaking  ConnectionState = "handshaking"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a bus event snapshot of current link status.
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Attempt       int
	Timestamp     time.Time
}

// Indicator is the short user-facing label of a status. Reconnecting is
// deliberately non-fatal.
func (s ConnectionStatus) Indicator() string {
	switch s.State {
	case ConnectionStateConnected:
		return "online"
	case ConnectionStateConnecting, ConnectionStateHandshaking:
		return "connecting"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

// RawFrame carries frame diagnostics for debug/log views.
type RawFrame struct {
	Text string
	Len  int
}
