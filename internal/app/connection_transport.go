package app

import (
	"net/http"
	"time"

	"github.com/skobkin/clawlink/internal/config"
	"github.com/skobkin/clawlink/internal/transport"
)

const gatewayPingPeriod = 20 * time.Second

// GatewayHeader is the upgrade request header sent to the gateway.
func GatewayHeader() http.Header {
	header := http.Header{}
	header.Set("User-Agent", UserAgent())

	return header
}

// NewGatewayDialer builds the websocket dialer used for every connection
// attempt.
func NewGatewayDialer(cfg config.GatewayConfig) transport.Dialer {
	opts := []transport.WebSocketOption{
		transport.WithHeader(GatewayHeader()),
		transport.WithPingPeriod(gatewayPingPeriod),
	}
	if cfg.ReadIdleTimeoutMS > 0 && cfg.ReadIdleTimeout() <= gatewayPingPeriod {
		opts = append(opts, transport.WithPingPeriod(cfg.ReadIdleTimeout()/2))
	}

	return transport.NewWebSocketDialer(opts...)
}
