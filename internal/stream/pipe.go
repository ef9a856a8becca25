// Package stream implements the linked byte streams that connect a program
// instance to whatever consumes its output or feeds its input.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Sentinel is the out-of-range value ReadByteOrSentinel returns once the
// producer has signalled end of stream.
const Sentinel = -1

// ErrEnded is returned when writing after the end-of-stream sentinel.
var ErrEnded = errors.New("stream: end of stream already written")

// Pipe is a FIFO byte channel between one producer and one consumer.
//
// The producer writes bytes and finally WriteEOF. The consumer reads until
// io.EOF and may Close early, which fails later writes with io.ErrClosedPipe
// and runs the close listeners exactly once.
type Pipe struct {
	mu      sync.Mutex
	buf     []byte
	limit   int
	ended   bool
	closed  bool
	changed chan struct{}

	closeOnce sync.Once
	listeners []func()
}

// New creates a pipe. When maxBuffered > 0 writers block while that many
// bytes are waiting to be read; 0 means unbounded.
func New(maxBuffered int) *Pipe {
	return &Pipe{limit: maxBuffered, changed: make(chan struct{})}
}

// notify wakes every goroutine waiting on the current state. Caller holds mu.
func (p *Pipe) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Write appends b. It blocks while the buffer is full.
func (p *Pipe) Write(b []byte) (int, error) {
	return p.WriteContext(context.Background(), b)
}

// WriteContext is Write with cancellation while waiting for buffer space.
func (p *Pipe) WriteContext(ctx context.Context, b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return written, io.ErrClosedPipe
		}
		if p.ended {
			p.mu.Unlock()
			return written, ErrEnded
		}
		room := len(b)
		if p.limit > 0 {
			room = min(room, p.limit-len(p.buf))
		}
		if room <= 0 {
			wait := p.changed
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return written, ctx.Err()
			}
		}
		p.buf = append(p.buf, b[:room]...)
		b = b[room:]
		written += room
		p.notify()
		p.mu.Unlock()
	}
	return written, nil
}

// WriteString writes s.
func (p *Pipe) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// WriteEOF appends the end-of-stream sentinel. It may be written once.
func (p *Pipe) WriteEOF() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return ErrEnded
	}
	p.ended = true
	p.notify()
	return nil
}

// Read reads buffered bytes, blocking until data or the sentinel arrives.
// Once the sentinel is reached and the buffer drained it returns io.EOF.
func (p *Pipe) Read(b []byte) (int, error) {
	return p.ReadContext(context.Background(), b)
}

// ReadContext is Read with cancellation.
func (p *Pipe) ReadContext(ctx context.Context, b []byte) (int, error) {
	for {
		p.mu.Lock()
		if n, err, ok := p.readLocked(b); ok {
			p.mu.Unlock()
			return n, err
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// TryRead reads whatever is buffered without blocking. It returns 0, nil when
// nothing is available yet.
func (p *Pipe) TryRead(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err, _ := p.readLocked(b)
	return n, err
}

func (p *Pipe) readLocked(b []byte) (int, error, bool) {
	if p.closed {
		return 0, io.ErrClosedPipe, true
	}
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		if len(p.buf) == 0 {
			p.buf = nil
		}
		p.notify()
		return n, nil, true
	}
	if p.ended {
		return 0, io.EOF, true
	}
	return 0, nil, false
}

// ReadByteOrSentinel returns the next byte, or Sentinel at end of stream.
func (p *Pipe) ReadByteOrSentinel(ctx context.Context) (int, error) {
	var one [1]byte
	_, err := p.ReadContext(ctx, one[:])
	if errors.Is(err, io.EOF) {
		return Sentinel, nil
	}
	if err != nil {
		return 0, err
	}
	return int(one[0]), nil
}

// Close is called by the consumer. Pending data is discarded, blocked writers
// fail and the close listeners run once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.buf = nil
	p.notify()
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		for _, fn := range listeners {
			fn()
		}
	})
	return nil
}

// OnClose registers fn to run when the consumer closes the pipe. If the pipe
// is already closed fn runs immediately.
func (p *Pipe) OnClose(fn func()) {
	p.mu.Lock()
	if !p.closed {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// Ended reports whether the sentinel has been written.
func (p *Pipe) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// Closed reports whether the consumer closed the pipe.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Buffered returns the number of unread bytes.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Reader adapts p into an io.Reader whose reads stop when ctx ends.
func (p *Pipe) Reader(ctx context.Context) io.Reader {
	return ctxReader{p: p, ctx: ctx}
}

type ctxReader struct {
	p   *Pipe
	ctx context.Context
}

func (r ctxReader) Read(b []byte) (int, error) {
	return r.p.ReadContext(r.ctx, b)
}
