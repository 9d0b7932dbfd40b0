// Package port provides the FIFO integer queues connecting Intcode machines
// to each other and to the host.
//
// A port has a producer end (Push) and a consumer end (Pop). Ports are
// either unbounded or bounded; pushing into a full bounded port blocks the
// producer until space frees (backpressure), popping from an empty port
// blocks the consumer until a value arrives or the port is closed. Closing
// wakes all blocked callers: consumers drain remaining values and then see
// closure, producers fail immediately.
//
// All operations are safe for concurrent use.
package port

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned when pushing into a closed port.
	ErrClosed = errors.New("port closed")
)

// Port is a FIFO queue of integers with producer and consumer ends.
type Port struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []int64
	capacity int // 0 means unbounded
	closed   bool
}

// New creates an unbounded port.
func New() *Port {
	return NewBounded(0)
}

// NewBounded creates a port holding at most capacity values.
// A capacity of 0 means unbounded.
func NewBounded(capacity int) *Port {
	p := &Port{capacity: capacity}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// Push enqueues a value, blocking while a bounded port is full.
// Returns ErrClosed if the port is or becomes closed, or the context error
// if ctx is cancelled while blocked.
func (p *Port) Push(ctx context.Context, v int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.capacity == 0 || len(p.buf) < p.capacity {
			p.buf = append(p.buf, v)
			p.notEmpty.Signal()
			return nil
		}
		p.wait(ctx, p.notFull)
	}
}

// Pop dequeues the oldest value, blocking while the port is open and empty.
// The second return is false once the port is closed and drained. A context
// error is reported when ctx is cancelled while blocked.
func (p *Port) Pop(ctx context.Context) (int64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.buf) > 0 {
			return p.popLocked(), true, nil
		}
		if p.closed {
			return 0, false, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		p.wait(ctx, p.notEmpty)
	}
}

// TryPop dequeues without blocking. The second return reports whether a
// value was dequeued; the third reports that the port is closed and drained.
func (p *Port) TryPop() (int64, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		return p.popLocked(), true, false
	}
	return 0, false, p.closed
}

// Close closes the producer end. Queued values remain consumable; blocked
// producers and consumers are woken. Close is idempotent.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Len returns the number of queued values.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Cap returns the capacity, 0 for unbounded.
func (p *Port) Cap() int {
	return p.capacity
}

// Closed reports whether the port has been closed.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// popLocked removes and returns the head of the queue. Caller holds mu.
func (p *Port) popLocked() int64 {
	v := p.buf[0]
	// Shift instead of reslicing so the backing array does not pin
	// consumed values; queues here are short.
	copy(p.buf, p.buf[1:])
	p.buf = p.buf[:len(p.buf)-1]
	p.notFull.Signal()
	return v
}

// wait blocks on c until signalled, arranging a wakeup if ctx is cancelled.
// Caller holds mu; the mutex is reacquired before returning.
func (p *Port) wait(ctx context.Context, c *sync.Cond) {
	done := ctx.Done()
	if done == nil {
		c.Wait()
		return
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			// Taking the mutex orders this broadcast after the Wait
			// below has registered, so the wakeup cannot be missed.
			p.mu.Lock()
			c.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()
	c.Wait()
	close(stop)
}
