package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"consolevm/pkg/logger"
)

type request struct {
	fn     func() error
	state  atomic.Int32
	result chan error // nil for posted requests
}

// MainQueue is a FIFO of closures executed by the host thread.
type MainQueue struct {
	mu      sync.Mutex
	pending []*request
	closed  bool
	ready   chan struct{}

	executed atomic.Int64
	failed   atomic.Int64

	log zerolog.Logger
}

// NewMainQueue creates an empty queue.
func NewMainQueue() *MainQueue {
	return &MainQueue{
		ready: make(chan struct{}, 1),
		log:   logger.Component("scheduler"),
	}
}

func (q *MainQueue) push(r *request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, r)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the host thread and waits for its result. If ctx ends first
// the request is abandoned: it is skipped unless the host already started it.
func (q *MainQueue) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := &request{fn: fn, result: make(chan error, 1)}
	if err := q.push(r); err != nil {
		return err
	}

	select {
	case err := <-r.result:
		return err
	case <-ctx.Done():
		if r.state.CompareAndSwap(int32(RequestPending), int32(RequestAbandoned)) {
			return ctx.Err()
		}
		// Already running; its result is imminent.
		return <-r.result
	}
}

// Post queues fn without waiting for it.
func (q *MainQueue) Post(fn func()) error {
	return q.push(&request{fn: func() error { fn(); return nil }})
}

// Ready signals that requests are pending. Hosts may select on it to drain
// between ticks.
func (q *MainQueue) Ready() <-chan struct{} { return q.ready }

// Pending returns the number of queued requests.
func (q *MainQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain executes the requests queued so far, in order, and returns how many
// ran. Requests queued by those callbacks run on the next drain.
func (q *MainQueue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	ran := 0
	for _, r := range batch {
		if !r.state.CompareAndSwap(int32(RequestPending), int32(RequestRunning)) {
			continue
		}
		err := q.execute(r)
		r.state.Store(int32(RequestDone))
		if r.result != nil {
			r.result <- err
		}
		ran++
	}
	return ran
}

func (q *MainQueue) execute(r *request) (err error) {
	defer func() {
		if v := recover(); v != nil {
			q.failed.Add(1)
			q.log.Error().Interface("panic", v).Msg("main thread callback panicked")
			err = fmt.Errorf("%w: %v", ErrCallbackFailed, v)
		}
	}()
	q.executed.Add(1)
	return r.fn()
}

// Stats returns the number of executed and panicked callbacks.
func (q *MainQueue) Stats() (executed, failed int64) {
	return q.executed.Load(), q.failed.Load()
}

// Close rejects new requests and fails every pending one with ErrQueueClosed.
func (q *MainQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, r := range batch {
		if r.state.CompareAndSwap(int32(RequestPending), int32(RequestDone)) && r.result != nil {
			r.result <- ErrQueueClosed
		}
	}
}
