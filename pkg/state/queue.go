package state

import (
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/pkg/wire"
)

// Queue is one recipient's undelivered-chat FIFO. Producers are the
// dispatcher (applying send ops); the only consumer is the dispatcher again
// (applying notif ops). Subscriber loops never dequeue directly; they wait
// for the queue to become non-empty and then submit a notif op, so every
// dequeue is serialized and replicated like any other mutation.
type Queue struct {
	mu     sync.Mutex
	items  []wire.Chat
	signal chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends one chat and wakes a waiter, if any.
func (q *Queue) Enqueue(c wire.Chat) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest chat. ok is false when the queue
// is empty.
func (q *Queue) Dequeue() (wire.Chat, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return wire.Chat{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

// Len returns the number of queued chats.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitNonEmpty blocks until the queue holds at least one chat or the
// timeout elapses, reporting which happened. A true return does not reserve
// the chat; the caller still races other dequeues.
func (q *Queue) WaitNonEmpty(timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-q.signal:
			if q.Len() > 0 {
				return true
			}
		case <-deadline.C:
			return q.Len() > 0
		}
	}
}
