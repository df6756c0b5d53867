// Package gateway implements the gateway protocol client: one websocket
// connection, a versioned handshake, request/response correlation and
// automatic reconnection with backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/bus"
	"github.com/skobkin/clawlink/internal/connectors"
	"github.com/skobkin/clawlink/internal/protocol"
	"github.com/skobkin/clawlink/internal/transport"
)

const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadIdleTimeout  = 60 * time.Second

	// missedTicksBeforeIdle is how many server ticks may be missed before the
	// link is considered dead.
	missedTicksBeforeIdle = 3
)

// ErrClosed fails requests still pending when Disconnect is called.
var ErrClosed = errors.New("connection closed by client")

// EventHandler receives inbound events on the connection's reader goroutine,
// in arrival order.
type EventHandler interface {
	HandleEvent(ev protocol.Event)
}

type EventHandlerFunc func(ev protocol.Event)

func (f EventHandlerFunc) HandleEvent(ev protocol.Event) {
	f(ev)
}

type Options struct {
	Logger   *slog.Logger
	Bus      bus.MessageBus
	Dial     transport.Dialer
	Events   EventHandler
	Identity Identity
	Retry    RetryPolicy
	// Scheduler drives reconnect delays.
	Scheduler Scheduler
	// RequestTimers drives request deadlines.
	RequestTimers    Scheduler
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadIdleTimeout  time.Duration
}

// Client is the connection manager. Construct one per gateway link; nothing
// is shared between instances.
type Client struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	dial     transport.Dialer
	events   EventHandler
	identity Identity
	retry    RetryPolicy
	sched    Scheduler
	corr     *Correlator

	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	readIdleTimeout  time.Duration

	mu            sync.Mutex
	state         State
	cfg           ConnectionConfig
	tr            transport.Transport
	gen           uint64
	attempt       int
	timer         Timer
	cancelAttempt context.CancelFunc
	idleTimeout   time.Duration
	lastErr       string

	handlersMu  sync.Mutex
	handlers    map[uint64]func(connected bool)
	nextHandler uint64
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = transport.NewWebSocketDialer()
	}
	retry := opts.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = RealScheduler()
	}

	return &Client{
		logger:           logger,
		bus:              opts.Bus,
		dial:             dial,
		events:           opts.Events,
		identity:         opts.Identity.withDefaults(),
		retry:            retry.Normalize(),
		sched:            sched,
		corr:             NewCorrelator(opts.RequestTimers),
		requestTimeout:   durationOr(opts.RequestTimeout, DefaultRequestTimeout),
		handshakeTimeout: durationOr(opts.HandshakeTimeout, DefaultHandshakeTimeout),
		readIdleTimeout:  durationOr(opts.ReadIdleTimeout, DefaultReadIdleTimeout),
		handlers:         make(map[uint64]func(bool)),
	}
}

// Connect opens the transport and performs the handshake. It returns nil only
// once the gateway accepted the handshake. A rejected handshake returns a
// *HandshakeError and is never retried.
func (c *Client) Connect(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.Disconnect()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.cfg = cfg
	c.attempt = 0
	c.mu.Unlock()

	if err := c.establish(ctx, gen); err != nil {
		c.settle(gen, StateDisconnected, err)
		c.logger.Warn("connect failed", "target", cfg.Target(), "error", err)

		return err
	}

	return nil
}

// Disconnect tears the link down from any state, including an attempt in
// progress or a scheduled reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	tr := c.tr
	c.tr = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.attempt = 0
	status, changed := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Debug("close transport on disconnect", "error", err)
		}
	}
	if n := c.corr.FailAll(&TransportError{Op: "disconnect", Err: ErrClosed}); n > 0 {
		c.logger.Debug("failed pending requests on disconnect", "count", n)
	}
	if changed {
		c.logger.Info("disconnected")
		c.emit(status)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateConnected
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) Status() connectors.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

// OnConnectionChange registers a handler called synchronously on every state
// transition with whether the client is now connected. Handlers run on the
// goroutine that caused the transition and must not block.
func (c *Client) OnConnectionChange(handler func(connected bool)) (unsubscribe func()) {
	c.handlersMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[id] = handler
	c.handlersMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			delete(c.handlers, id)
			c.handlersMu.Unlock()
		})
	}
}

// Request sends a request with the default timeout.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.RequestTimeout(ctx, method, params, c.requestTimeout)
}

// RequestTimeout sends a request and waits for its response. It fails fast
// with a *TransportError when not connected.
func (c *Client) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	tr := c.tr
	connected := c.state == StateConnected && tr != nil
	c.mu.Unlock()
	if !connected {
		return nil, &TransportError{Op: "request " + method, Err: ErrNotConnected}
	}
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	return c.roundTrip(ctx, tr, method, params, timeout)
}

// PendingRequests reports how many requests await a response.
func (c *Client) PendingRequests() int {
	return c.corr.Len()
}

func (c *Client) establish(ctx context.Context, gen uint64) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()

		return &TransportError{Op: "connect", Err: ErrAborted}
	}
	cfg := c.cfg
	c.cancelAttempt = cancel
	status, changed := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	if changed {
		c.emit(status)
	}

	tr := c.dial(cfg.Endpoint)
	if err := tr.Connect(attemptCtx); err != nil {
		if !c.isCurrent(gen) {
			return &TransportError{Op: "connect", Err: ErrAborted}
		}

		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = tr.Close()

		return &TransportError{Op: "connect", Err: ErrAborted}
	}
	c.tr = tr
	c.idleTimeout = c.readIdleTimeout
	status, changed = c.setStateLocked(StateHandshaking, nil)
	c.mu.Unlock()
	if changed {
		c.emit(status)
	}

	go c.readLoop(gen, tr)

	hello, err := c.handshake(attemptCtx, tr, cfg)
	if err != nil {
		c.dropTransport(tr)

		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.dropTransport(tr)

		return &TransportError{Op: "connect", Err: ErrAborted}
	}
	if c.tr != tr {
		// The reader dropped the link after the hello arrived.
		c.mu.Unlock()

		return &TransportError{Op: "handshake", Err: ErrConnectionLost}
	}
	if tick := time.Duration(hello.Policy.TickIntervalMS) * time.Millisecond; tick > 0 {
		if idle := tick * missedTicksBeforeIdle; idle > c.idleTimeout {
			c.idleTimeout = idle
		}
	}
	c.attempt = 0
	c.cancelAttempt = nil
	status, changed = c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.logger.Info("connected", "target", cfg.Target(), "protocol", hello.Protocol, "server_version", hello.Server.Version)
	if changed {
		c.emit(status)
	}

	return nil
}

func (c *Client) handshake(ctx context.Context, tr transport.Transport, cfg ConnectionConfig) (protocol.HelloPayload, error) {
	var hello protocol.HelloPayload

	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocolVersion,
		MaxProtocol: protocol.MaxProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       c.identity.ClientID,
			Version:  c.identity.Version,
			Platform: c.identity.Platform,
			Mode:     c.identity.Mode,
		},
		Role:   c.identity.Role,
		Scopes: c.identity.Scopes,
		Caps:   c.identity.Caps,
	}
	if cfg.Token != "" {
		params.Auth = &protocol.ConnectAuth{Token: cfg.Token}
	}

	payload, err := c.roundTrip(ctx, tr, protocol.MethodConnect, params, c.handshakeTimeout)
	if err != nil {
		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			return hello, &HandshakeError{Code: appErr.Code, Message: appErr.Message}
		}

		return hello, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			return hello, &protocol.ProtocolError{Reason: "malformed hello payload", Err: err}
		}
	}
	if hello.Protocol != 0 && (hello.Protocol < protocol.MinProtocolVersion || hello.Protocol > protocol.MaxProtocolVersion) {
		return hello, &HandshakeError{
			Code: protocol.CodeProtocolUnsupported,
			Message: fmt.Sprintf("server negotiated protocol %d, client supports %d-%d",
				hello.Protocol, protocol.MinProtocolVersion, protocol.MaxProtocolVersion),
		}
	}

	return hello, nil
}

func (c *Client) roundTrip(ctx context.Context, tr transport.Transport, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	p := c.corr.Begin(method, timeout)

	raw, err := protocol.EncodeRequest(p.ID, method, params)
	if err != nil {
		c.corr.Cancel(p.ID, err)

		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	err = tr.WriteFrame(writeCtx, raw)
	cancel()
	if err != nil {
		transportErr := &TransportError{Op: "write " + method, Err: err}
		c.corr.Cancel(p.ID, transportErr)

		return nil, transportErr
	}
	if method != protocol.MethodConnect {
		c.publishRaw(connectors.TopicRawFrameOut, raw)
	}

	return c.corr.Wait(ctx, p)
}

func (c *Client) readLoop(gen uint64, tr transport.Transport) {
	for {
		readCtx, cancel := context.WithTimeout(context.Background(), c.currentIdleTimeout())
		payload, err := tr.ReadFrame(readCtx)
		cancel()
		if err != nil {
			c.handleDrop(gen, tr, err)

			return
		}
		c.publishRaw(connectors.TopicRawFrameIn, payload)

		decoded, err := protocol.Decode(payload)
		if err != nil {
			c.logger.Warn("decode frame failed", "error", err)

			continue
		}

		switch {
		case decoded.Response != nil:
			if !c.corr.Resolve(*decoded.Response) {
				c.logger.Debug("response without pending request", "id", decoded.Response.ID)
			}
		case decoded.Event != nil:
			if decoded.Event.Name == protocol.EventTick {
				continue
			}
			if c.events != nil {
				c.events.HandleEvent(*decoded.Event)
			}
		}
	}
}

func (c *Client) handleDrop(gen uint64, tr transport.Transport, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.tr != tr {
		c.mu.Unlock()

		return
	}
	c.tr = nil
	wasConnected := c.state == StateConnected
	c.mu.Unlock()

	_ = tr.Close()
	c.corr.FailAll(&TransportError{Op: "read", Err: cause})
	if !wasConnected {
		// A failing handshake is reported through its pending request.
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	c.scheduleReconnect(gen, cause)
}

func (c *Client) scheduleReconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()

		return
	}
	if c.retry.Exhausted(c.attempt) {
		attempts := c.attempt
		status, changed := c.setStateLocked(StateDisconnected, cause)
		c.mu.Unlock()

		c.logger.Error("reconnect attempts exhausted", "attempts", attempts, "error", cause)
		if changed {
			c.emit(status)
		}

		return
	}

	delay := c.retry.Delay(c.attempt)
	c.attempt++
	attempt := c.attempt
	status, changed := c.setStateLocked(StateReconnecting, cause)
	c.timer = c.sched.AfterFunc(delay, func() {
		c.reconnect(gen)
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	if changed {
		c.emit(status)
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()

		return
	}
	c.timer = nil
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Info("reconnecting", "attempt", attempt)
	err := c.establish(context.Background(), gen)
	if err == nil {
		return
	}
	if errors.Is(err, ErrAborted) || !c.isCurrent(gen) {
		return
	}
	if isTerminal(err) {
		c.logger.Error("reconnect rejected", "error", err)
		c.settle(gen, StateDisconnected, err)

		return
	}

	c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	c.scheduleReconnect(gen, err)
}

// settle moves the client to a resting state if gen is still current.
func (c *Client) settle(gen uint64, next State, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()

		return
	}
	tr := c.tr
	c.tr = nil
	c.cancelAttempt = nil
	status, changed := c.setStateLocked(next, cause)
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if changed {
		c.emit(status)
	}
}

func (c *Client) dropTransport(tr transport.Transport) {
	c.mu.Lock()
	if c.tr == tr {
		c.tr = nil
	}
	c.mu.Unlock()
	_ = tr.Close()
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gen == gen
}

func (c *Client) currentIdleTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimeout <= 0 {
		return c.readIdleTimeout
	}

	return c.idleTimeout
}

// setStateLocked must be called with c.mu held. The returned status is
// emitted by the caller after unlocking.
func (c *Client) setStateLocked(next State, cause error) (connectors.ConnectionStatus, bool) {
	if cause != nil {
		c.lastErr = cause.Error()
	} else if next == StateConnected {
		c.lastErr = ""
	}
	if c.state == next {
		return connectors.ConnectionStatus{}, false
	}
	c.state = next

	return c.statusLocked(), true
}

func (c *Client) statusLocked() connectors.ConnectionStatus {
	status := connectors.ConnectionStatus{
		State:     c.state.ConnectionState(),
		Err:       c.lastErr,
		Target:    c.cfg.Target(),
		Attempt:   c.attempt,
		Timestamp: time.Now(),
	}
	if c.tr != nil {
		status.TransportName = c.tr.Name()
		if resolver, ok := c.tr.(transport.StatusTargetResolver); ok {
			if target := resolver.StatusTarget(); target != "" {
				status.Target = target
			}
		}
	}

	return status
}

func (c *Client) emit(status connectors.ConnectionStatus) {
	c.handlersMu.Lock()
	handlers := make([]func(bool), 0, len(c.handlers))
	for id := uint64(1); id <= c.nextHandler; id++ {
		if h, ok := c.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.handlersMu.Unlock()

	connected := status.State == connectors.ConnectionStateConnected
	for _, h := range handlers {
		h(connected)
	}
	if c.bus != nil {
		c.bus.Publish(connectors.TopicConnStatus, status)
	}
}

func (c *Client) publishRaw(topic string, payload []byte) {
	if c.bus == nil {
		return
	}
	c.bus.TryPublish(topic, connectors.RawFrame{Text: string(payload), Len: len(payload)})
}

func isTerminal(err error) bool {
	var handshakeErr *HandshakeError
	if errors.As(err, &handshakeErr) {
		return true
	}
	var protoErr *protocol.ProtocolError

	return errors.As(err, &protoErr)
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}

	return v
}
