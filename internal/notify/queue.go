package notify

import (
	"context"
	"sync"
	"time"
)

const defaultQueueCap = 64

// Queue buffers notifications for one session until the UI drains them.
// When full, the oldest entry is dropped.
type Queue struct {
	mu        sync.Mutex
	sessionID string
	cap       int
	items     []Notification
}

func NewQueue(sessionID string) *Queue {
	return &Queue{sessionID: sessionID, cap: defaultQueueCap}
}

func (q *Queue) Success(_ context.Context, message string) {
	q.push(KindSuccess, message)
}

func (q *Queue) Error(_ context.Context, message string) {
	q.push(KindError, message)
}

func (q *Queue) push(kind Kind, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, Notification{
		SessionID: q.sessionID,
		Kind:      kind,
		Message:   message,
		At:        time.Now(),
	})
}

// Drain returns the buffered notifications and empties the queue.
func (q *Queue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Count returns how many buffered notifications have the given kind.
func (q *Queue) Count(kind Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
