package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/skobkin/clawlink/internal/protocol"
)

// Result is the outcome delivered to a pending request.
type Result struct {
	Payload json.RawMessage
	Err     error
}

// Pending is one in-flight request awaiting its response.
type Pending struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time

	done  chan Result
	timer Timer
}

// Done yields exactly one Result.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Correlator owns the pending-request map. Whoever removes an entry from the
// map is the only one allowed to complete it.
type Correlator struct {
	sched Scheduler
	now   func() time.Time

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*Pending
}

func NewCorrelator(sched Scheduler) *Correlator {
	if sched == nil {
		sched = RealScheduler()
	}

	return &Correlator{
		sched:   sched,
		now:     time.Now,
		pending: make(map[string]*Pending),
	}
}

// Begin registers a request under a fresh ID and arms its deadline.
func (c *Correlator) Begin(method string, timeout time.Duration) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	now := c.now()
	p := &Pending{
		ID:        id,
		Method:    method,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		done:      make(chan Result, 1),
	}
	c.pending[id] = p
	p.timer = c.sched.AfterFunc(timeout, func() {
		c.complete(id, func(*Pending) Result {
			return Result{Err: &TimeoutError{Method: method, ID: id, After: timeout}}
		})
	})

	return p
}

// Resolve completes the request matching res.ID. It reports false for
// responses nobody waits for, e.g. ones that arrive after a timeout.
func (c *Correlator) Resolve(res protocol.Response) bool {
	return c.complete(res.ID, func(p *Pending) Result {
		if res.OK {
			return Result{Payload: res.Payload}
		}

		return Result{Err: applicationError(p.Method, res.Error)}
	})
}

// Cancel completes a request with err.
func (c *Correlator) Cancel(id string, err error) bool {
	return c.complete(id, func(*Pending) Result {
		return Result{Err: err}
	})
}

// FailAll completes every pending request with err and returns how many
// there were.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- Result{Err: err}
	}

	return len(drained)
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Wait blocks until p completes or ctx ends. A canceled wait removes p.
func (c *Correlator) Wait(ctx context.Context, p *Pending) (json.RawMessage, error) {
	select {
	case res := <-p.done:
		return res.Payload, res.Err
	case <-ctx.Done():
		if c.Cancel(p.ID, ctx.Err()) {
			<-p.done

			return nil, ctx.Err()
		}
		res := <-p.done

		return res.Payload, res.Err
	}
}

func (c *Correlator) complete(id string, result func(*Pending) Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- result(p)

	return true
}
