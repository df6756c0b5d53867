package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skobkin/clawlink/internal/protocol"
	"github.com/skobkin/clawlink/internal/transport"
)

var errFakeClosed = errors.New("fake transport closed")

type wireRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeTransport is an in-memory socket. Frames pushed to in are read by the
// client, frames the client writes land on out.
type fakeTransport struct {
	gw        *fakeGateway
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	return f.gw.accept(f)
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })

	return nil
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-f.in:
		return payload, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, payload []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.out <- payload:
		return nil
	case <-f.closed:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push delivers a server frame to the client.
func (f *fakeTransport) push(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case f.in <- frame:
	case <-f.closed:
		t.Fatalf("push on closed transport")
	case <-time.After(2 * time.Second):
		t.Fatalf("push timed out")
	}
}

// droppingTransport answers the handshake and fails the very next read, as a
// server that closes right after sending its hello.
type droppingTransport struct {
	t         *testing.T
	hello     chan []byte
	sentHello atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newDroppingTransport(t *testing.T) *droppingTransport {
	return &droppingTransport{t: t, hello: make(chan []byte, 1), closed: make(chan struct{})}
}

func (d *droppingTransport) Name() string { return "dropping" }

func (d *droppingTransport) Connect(context.Context) error { return nil }

func (d *droppingTransport) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })

	return nil
}

func (d *droppingTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if d.sentHello.Load() {
		return nil, errFakeClosed
	}
	select {
	case frame := <-d.hello:
		d.sentHello.Store(true)

		return frame, nil
	case <-d.closed:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *droppingTransport) WriteFrame(_ context.Context, payload []byte) error {
	var req wireRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if req.Method == protocol.MethodConnect {
		d.hello <- okFrame(d.t, req.ID, map[string]any{"protocol": 3})
	}

	return nil
}

// fakeGateway answers requests on every accepted transport. A handler that
// returns nil leaves the request unanswered.
type fakeGateway struct {
	t *testing.T

	mu         sync.Mutex
	handler    func(req wireRequest) []byte
	dialErr    error
	transports []*fakeTransport
	requests   []wireRequest
	held       chan wireRequest
	wg         sync.WaitGroup
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, held: make(chan wireRequest, 16)}
	g.handler = g.defaultHandler
	t.Cleanup(g.wg.Wait)

	return g
}

func (g *fakeGateway) dial(string) transport.Transport {
	return &fakeTransport{
		gw:     g,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (g *fakeGateway) accept(tr *fakeTransport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dialErr != nil {
		return g.dialErr
	}
	g.transports = append(g.transports, tr)
	g.wg.Add(1)
	go g.serve(tr)

	return nil
}

func (g *fakeGateway) serve(tr *fakeTransport) {
	defer g.wg.Done()
	for {
		select {
		case raw := <-tr.out:
			var req wireRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			g.mu.Lock()
			g.requests = append(g.requests, req)
			handler := g.handler
			g.mu.Unlock()

			resp := handler(req)
			if resp == nil {
				continue
			}
			select {
			case tr.in <- resp:
			case <-tr.closed:
				return
			}
		case <-tr.closed:
			return
		}
	}
}

func (g *fakeGateway) defaultHandler(req wireRequest) []byte {
	switch req.Method {
	case protocol.MethodConnect:
		return okFrame(g.t, req.ID, map[string]any{"protocol": 3, "server": map[string]any{"version": "test"}})
	case protocol.MethodAgent:
		return okFrame(g.t, req.ID, protocol.AgentAccepted{RunID: "run-" + req.ID, Status: "accepted"})
	case "hold":
		g.held <- req

		return nil
	case "fail":
		return errFrame(g.t, req.ID, "INVALID_REQUEST", "bad params")
	default:
		return okFrame(g.t, req.ID, map[string]string{"method": req.Method})
	}
}

func (g *fakeGateway) setHandler(h func(req wireRequest) []byte) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *fakeGateway) setDialErr(err error) {
	g.mu.Lock()
	g.dialErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) last() *fakeTransport {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.transports) == 0 {
		g.t.Fatalf("no transport accepted")
	}

	return g.transports[len(g.transports)-1]
}

func (g *fakeGateway) accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.transports)
}

func (g *fakeGateway) seen() []wireRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]wireRequest(nil), g.requests...)
}

func (g *fakeGateway) nextHeld(t *testing.T) wireRequest {
	t.Helper()
	select {
	case req := <-g.held:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("no held request arrived")

		return wireRequest{}
	}
}

func okFrame(t *testing.T, id string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := protocol.EncodeResponse(protocol.Response{ID: id, OK: true, Payload: raw})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	return frame
}

func errFrame(t *testing.T, id, code, message string) []byte {
	t.Helper()
	frame, err := protocol.EncodeResponse(protocol.Response{
		ID:    id,
		Error: &protocol.ErrorShape{Code: code, Message: message},
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}

	return frame
}

func eventFrame(t *testing.T, name string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := protocol.EncodeEvent(protocol.Event{Name: name, Payload: raw})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}

	return frame
}

// manualScheduler records scheduled calls and runs them only on Fire.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	fn      func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{s: s, fn: fn}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, timer)

	return timer
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true

	return active
}

// Fire runs the oldest live timer on the calling goroutine.
func (s *manualScheduler) Fire() bool {
	s.mu.Lock()
	var next *manualTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			next = timer

			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()

	return true
}

func (s *manualScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}

	return n
}

func (s *manualScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.delays...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
