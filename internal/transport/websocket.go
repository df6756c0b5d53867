package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSHandshakeTimeout = 10 * time.Second
	defaultWSPingPeriod       = 25 * time.Second
	defaultWSMaxFrameSize     = 4 << 20
	wsControlWriteWait        = 5 * time.Second
)

// WebSocketOption tweaks a WebSocketTransport before it connects.
type WebSocketOption func(*WebSocketTransport)

// WithHeader adds HTTP headers to the upgrade request.
func WithHeader(header http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.header = header.Clone()
	}
}

// WithPingPeriod sets the keepalive ping period. Zero or negative disables pings.
func WithPingPeriod(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.pingPeriod = d
	}
}

// WithMaxFrameSize limits the size of a single inbound frame.
func WithMaxFrameSize(n int64) WebSocketOption {
	return func(t *WebSocketTransport) {
		if n > 0 {
			t.maxFrameSize = n
		}
	}
}

// WebSocketTransport exchanges text frames with the gateway over one websocket.
type WebSocketTransport struct {
	endpoint     string
	header       http.Header
	pingPeriod   time.Duration
	maxFrameSize int64
	dialer       websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	stopPing chan struct{}
	writeMu  sync.Mutex

	// readWindow is the span of the last read deadline. A pong pushes the
	// deadline forward by the same span.
	readWindow atomic.Int64
}

func NewWebSocketTransport(endpoint string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		endpoint:     endpoint,
		pingPeriod:   defaultWSPingPeriod,
		maxFrameSize: defaultWSMaxFrameSize,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWSHandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewWebSocketDialer returns a Dialer producing websocket transports with the
// given options.
func NewWebSocketDialer(opts ...WebSocketOption) Dialer {
	return func(endpoint string) Transport {
		return NewWebSocketTransport(endpoint, opts...)
	}
}

func (t *WebSocketTransport) Name() string {
	return "websocket"
}

// StatusTarget is the endpoint without credentials, for status reporting.
func (t *WebSocketTransport) StatusTarget() string {
	return redactEndpoint(t.endpoint)
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "endpoint", redactEndpoint(t.endpoint))
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.endpoint == "" {
		logger.Warn("connect failed: endpoint is empty")

		return errors.New("websocket endpoint is empty")
	}

	logger.Info("connecting")
	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			logger.Warn("connect failed", "status", resp.StatusCode, "error", err)

			return fmt.Errorf("dial websocket: http %d: %w", resp.StatusCode, err)
		}
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(t.maxFrameSize)
	conn.SetPongHandler(func(string) error {
		if window := time.Duration(t.readWindow.Load()); window > 0 {
			return conn.SetReadDeadline(time.Now().Add(window))
		}

		return nil
	})

	t.conn = conn
	if t.pingPeriod > 0 {
		t.stopPing = make(chan struct{})
		go t.runPing(conn, t.stopPing, t.pingPeriod)
	}
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	stop := t.stopPing
	t.conn = nil
	t.stopPing = nil
	t.mu.Unlock()

	logger := transportLogger("websocket", "endpoint", redactEndpoint(t.endpoint))
	if conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}
	if stop != nil {
		close(stop)
	}

	// Best effort: the peer may already be gone.
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsControlWriteWait),
	)
	if err := conn.Close(); err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (t *WebSocketTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("websocket")
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("read frame failed: not connected", "error", err)

		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.readWindow.Store(int64(time.Until(deadline)))
		_ = conn.SetReadDeadline(deadline)
	} else {
		t.readWindow.Store(0)
		_ = conn.SetReadDeadline(time.Time{})
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logger.Warn("read frame failed: unexpected close", "error", err)
		} else {
			logger.Debug("read frame failed", "error", err)
		}

		return nil, fmt.Errorf("read frame: %w", err)
	}
	logger.Debug("read frame", "len", len(payload))

	return payload, nil
}

func (t *WebSocketTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("websocket")
	if err := ctx.Err(); err != nil {
		logger.Debug("write frame canceled", "error", err)

		return err
	}
	conn, err := t.currentConn()
	if err != nil {
		logger.Debug("write frame failed: not connected", "error", err)

		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)

		return fmt.Errorf("write frame: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload))

	return nil
}

func (t *WebSocketTransport) currentConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	return t.conn, nil
}

func (t *WebSocketTransport) runPing(conn *websocket.Conn, stop <-chan struct{}, period time.Duration) {
	logger := transportLogger("websocket", "endpoint", redactEndpoint(t.endpoint))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWriteWait)); err != nil {
				logger.Debug("ping failed", "error", err)

				return
			}
		}
	}
}
