package uart

import (
	"context"
	"sync"
)

// Queue is the unbounded FIFO between the serial reader and the
// control-line processor. Push never blocks; Pop waits for a line; Ack
// acknowledges one processed line so Join can wait for a full drain.
//
// Single producer, single consumer. Lines are popped in push order.
type Queue struct {
	mu      sync.Mutex
	items   []string
	pending int           // pushed but not yet acked
	wake    chan struct{} // closed and replaced on every state change
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push appends a line. It never blocks on the consumer.
func (q *Queue) Push(line string) {
	q.mu.Lock()
	q.items = append(q.items, line)
	q.pending++
	q.broadcast()
	q.mu.Unlock()
}

// Pop removes and returns the oldest line, waiting until one is
// available. Cancellation wins over a non-empty queue: once ctx is done
// Pop fails even while lines remain, so a shutdown stops consuming and
// hands the backlog to DrainRemaining instead of processing it.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			line := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return line, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Ack marks one popped line as processed. Every popped line, valid or not,
// must be acked exactly once.
func (q *Queue) Ack() {
	q.mu.Lock()
	if q.pending > 0 {
		q.pending--
		q.broadcast()
	}
	q.mu.Unlock()
}

// Join blocks until every pushed line has been acked, or ctx is done.
func (q *Queue) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending reports the number of pushed lines not yet acked.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// DrainRemaining removes and returns all queued lines without acking them;
// the caller reports each as dropped and acks it.
func (q *Queue) DrainRemaining() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	rest := q.items
	q.items = nil
	return rest
}

// callers hold q.mu
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
