package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	writerMaxAttempts = 3
	writerRetryStep   = 300 * time.Millisecond
	writerDrainBudget = 2 * time.Second
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs best-effort background writes one at a time. Writes that
// must be durable before returning do not go through it.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd

	mu      sync.Mutex
	pending sync.WaitGroup
	done    chan struct{}
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 256
	}

	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
	}
}

func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.pending.Add(1)
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		go func() { w.queue <- cmd }()
	}
}

// Start runs the queue until ctx ends. Writes still queued then are given a
// short grace period before the loop exits.
func (w *WriterQueue) Start(ctx context.Context) {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()

		return
	}
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				w.drain()

				return
			case cmd := <-w.queue:
				w.runWithRetry(ctx, cmd)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has exited.
func (w *WriterQueue) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Idle blocks until every enqueued write has been attempted.
func (w *WriterQueue) Idle() {
	w.pending.Wait()
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writerDrainBudget)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			w.runOnce(ctx, cmd)
		default:
			return
		}
	}
}

func (w *WriterQueue) runOnce(ctx context.Context, cmd writeCmd) {
	defer w.pending.Done()
	if err := cmd.fn(ctx); err != nil {
		w.logger.Error("db write failed", "cmd", cmd.name, "error", err)
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	defer w.pending.Done()
	for attempt := 1; attempt <= writerMaxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == writerMaxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * writerRetryStep):
			}

			continue
		}

		return
	}
}
