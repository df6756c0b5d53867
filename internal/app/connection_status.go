package app

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/skobkin/clawlink/internal/config"
	"github.com/skobkin/clawlink/internal/connectors"
)

func TransportNameFromEndpoint(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "unknown"
	}
	switch u.Scheme {
	case "ws":
		return "websocket"
	case "wss":
		return "websocket+tls"
	case "":
		return "unknown"
	default:
		return u.Scheme
	}
}

// ConnectionTarget is the endpoint without credentials, for display.
func ConnectionTarget(cfg config.GatewayConfig) string {
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil || u.Host == "" {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

// ConnectionStatusFromConfig is the status shown before the client reported
// anything.
func ConnectionStatusFromConfig(cfg config.GatewayConfig) connectors.ConnectionStatus {
	return connectors.ConnectionStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: TransportNameFromEndpoint(cfg.Endpoint),
		Target:        ConnectionTarget(cfg),
	}
}

// DescribeStatus renders a status as one line of text.
func DescribeStatus(status connectors.ConnectionStatus) string {
	line := status.Indicator()
	if status.Target != "" {
		line += " " + status.Target
	}
	if status.State == connectors.ConnectionStateReconnecting && status.Attempt > 0 {
		line += fmt.Sprintf(" (attempt %d)", status.Attempt)
	}
	if status.Err != "" && status.State != connectors.ConnectionStateConnected {
		line += ": " + status.Err
	}

	return line
}
