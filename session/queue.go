package session

import (
	"fmt"
	"sync"
	"time"
)

// PendingMessage is one delivery held for a disconnected session.
type PendingMessage struct {
	Topic      string
	Payload    string
	Publisher  string
	EnqueuedAt time.Time
}

// pendingQueue is a bounded FIFO of held deliveries. Both bounds are
// enforced on enqueue: when either is hit the newest message is
// rejected, never an already-held one.
type pendingQueue struct {
	mu          sync.Mutex
	entries     []PendingMessage
	maxMessages int
	maxBytes    int
	bytes       int
}

func newPendingQueue(maxMessages, maxBytes int) *pendingQueue {
	return &pendingQueue{
		entries:     make([]PendingMessage, 0, 16),
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
	}
}

func (q *pendingQueue) enqueue(msg PendingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxMessages > 0 && len(q.entries) >= q.maxMessages {
		return fmt.Errorf("%w: %d messages held", ErrQueueFull, len(q.entries))
	}
	size := len(msg.Payload)
	if q.maxBytes > 0 && q.bytes+size > q.maxBytes {
		return fmt.Errorf("%w: %d bytes held", ErrQueueFull, q.bytes)
	}

	q.entries = append(q.entries, msg)
	q.bytes += size
	return nil
}

// drainValid empties the queue and returns, in enqueue order, the
// entries whose retention window has not yet run out at now. Expired
// entries are discarded.
func (q *pendingQueue) drainValid(now time.Time, window time.Duration) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var valid []PendingMessage
	for _, msg := range q.entries {
		if msg.EnqueuedAt.Add(window).After(now) {
			valid = append(valid, msg)
		}
	}
	q.entries = q.entries[:0]
	q.bytes = 0
	return valid
}

// pruneExpired drops entries enqueued at or before cutoff and returns
// the count removed. Entries expire in enqueue order, so this only
// trims a prefix.
func (q *pendingQueue) pruneExpired(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	keep := 0
	for keep < len(q.entries) && !q.entries[keep].EnqueuedAt.After(cutoff) {
		keep++
	}
	if keep == 0 {
		return 0
	}

	for _, msg := range q.entries[:keep] {
		q.bytes -= len(msg.Payload)
	}
	q.entries = append(q.entries[:0], q.entries[keep:]...)
	return keep
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *pendingQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
	q.bytes = 0
}
