package agent

import "sync"

// DefaultInboxCapacity bounds pending watcher input per parent.
const DefaultInboxCapacity = 16

// Input is one watcher message waiting for the parent.
type Input struct {
	WatcherID string
	Text      string // fully formatted, prefix included
	Urgent    bool
}

// Inbox is a bounded, non-blocking FIFO of watcher input for one parent
// session.
//
// Push never blocks: when the inbox is full or closed the input is refused
// and the caller decides what to do (the watcher hub drops it with a
// warning). Urgent input additionally raises the interrupt signal, which the
// turn loop selects on to stop an in-flight stream.
type Inbox struct {
	mu       sync.Mutex
	items    []Input
	capacity int
	closed   bool

	signal    chan struct{} // input available (buffered, size 1)
	interrupt chan struct{} // urgent input available (buffered, size 1)
}

// NewInbox creates an inbox. capacity <= 0 uses DefaultInboxCapacity.
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{
		items:     make([]Input, 0, capacity),
		capacity:  capacity,
		signal:    make(chan struct{}, 1),
		interrupt: make(chan struct{}, 1),
	}
}

// TryPush enqueues in without blocking. Returns false if the inbox is full or
// closed.
func (q *Inbox) TryPush(in Input) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, in)

	// Buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	if in.Urgent {
		select {
		case q.interrupt <- struct{}{}:
		default:
		}
	}
	return true
}

// Drain removes and returns every pending input in arrival order, and clears
// any pending interrupt.
func (q *Inbox) Drain() []Input {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Input, len(q.items))
	copy(out, q.items)
	clear(q.items)
	q.items = q.items[:0]

	select {
	case <-q.interrupt:
	default:
	}
	return out
}

// Wait returns a channel that signals when input may be available.
func (q *Inbox) Wait() <-chan struct{} {
	return q.signal
}

// Interrupt returns a channel that signals when urgent input arrived.
func (q *Inbox) Interrupt() <-chan struct{} {
	return q.interrupt
}

// Len returns the number of pending inputs.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the inbox capacity.
func (q *Inbox) Cap() int {
	return q.capacity
}

// Close refuses further input and wakes waiters. Pending input stays
// drainable.
func (q *Inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *Inbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
