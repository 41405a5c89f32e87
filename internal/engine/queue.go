package engine

import (
	"sync"

	"github.com/roach88/patronage/internal/ledger"
)

// Delivery is one unit of work for the Run loop: a raw payload from the
// message bus, or an already decoded event.
type Delivery struct {
	// Payload is decoded with ledger.DecodePayload when Event is nil.
	Payload []byte
	Event   *ledger.Event

	// Done, if set, receives the outcome once the delivery is processed.
	// It must be buffered or have a waiting receiver.
	Done chan<- Outcome
}

// Outcome is the result of processing a Delivery.
type Outcome struct {
	Result ledger.AppendResult
	Err    error
}

// deliveryQueue is an unbounded FIFO of deliveries.
//
// Producers (consumers of the message bus, the CLI) may enqueue from any
// goroutine while the Run loop dequeues. A size-1 signal channel lets the
// Run loop wait without blocking past context cancellation.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []Delivery
	closed bool
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  make([]Delivery, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends d. Returns false if the queue is closed.
func (q *deliveryQueue) Enqueue(d Delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, d)

	// Coalescing, non-blocking signal.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front delivery without blocking.
func (q *deliveryQueue) TryDequeue() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Delivery{}, false
	}
	d := q.items[0]
	// Release the payload for GC.
	q.items[0] = Delivery{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return d, true
}

// Wait returns a channel that fires when deliveries may be available. It is
// closed by Close.
func (q *deliveryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued deliveries.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes any waiter.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
