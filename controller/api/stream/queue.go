package stream

import (
	"time"
)

// Queue is the bounded buffer between the dispatcher and one SSE
// connection. Exactly one producer (the dispatcher) and one consumer (the
// owning connection's handler). A queue is never closed: closing can race
// with a fanout snapshot that has already captured it, so detaching from
// the registry is what ends its life. Any in-flight offer after detach
// lands in a buffer nobody reads, which is acceptable.
type Queue struct {
	payloads chan []byte
}

// NewQueue returns a queue buffering up to capacity payloads.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{payloads: make(chan []byte, capacity)}
}

// Offer enqueues payload, first without blocking and then waiting up to
// timeout for room. It reports whether the payload was accepted; false
// means the subscriber is persistently slow and the payload was dropped
// for this queue only.
func (q *Queue) Offer(payload []byte, timeout time.Duration) bool {
	// First try non-blocking send
	select {
	case q.payloads <- payload:
		return true
	default:
	}

	// Queue is full - wait up to the back-pressure timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.payloads <- payload:
		return true
	case <-timer.C:
		return false
	}
}

// Recv exposes the consumer side of the queue for select loops.
func (q *Queue) Recv() <-chan []byte {
	return q.payloads
}

// Len reports how many payloads are buffered.
func (q *Queue) Len() int {
	return len(q.payloads)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.payloads)
}
