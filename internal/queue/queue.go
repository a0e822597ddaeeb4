// Package queue buffers digest submissions in memory until the drain loop
// folds them into the store. Nothing here survives a restart.
package queue

import (
	"sync"
	"time"

	"github.io/infrasutra/digestd/internal/store"
)

type Item struct {
	Message    store.Message
	Attempts   int
	EnqueuedAt time.Time
}

// DeadLetter is an item that exhausted its retries.
type DeadLetter struct {
	Item     Item
	Reason   string
	FailedAt time.Time
}

// DefaultDeadLetterLimit caps the dead-letter list; the oldest entries go first.
const DefaultDeadLetterLimit = 1000

type Queue struct {
	mu        sync.Mutex
	items     []Item
	dead      []DeadLetter
	deadLimit int
	now       func() time.Time
}

type Option func(*Queue)

// WithDeadLetterLimit caps how many dead letters are kept. A value below one
// keeps the default.
func WithDeadLetterLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.deadLimit = n
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{now: time.Now, deadLimit: DefaultDeadLetterLimit}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(to, subject, body string) {
	item := Item{
		Message:    store.Message{To: to, Subject: subject, Body: body},
		EnqueuedAt: q.now(),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// DrainAll takes every queued item. Items enqueued afterwards wait for the
// next call.
func (q *Queue) DrainAll() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Requeue puts retried items back at the tail.
func (q *Queue) Requeue(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) DeadLetter(item Item, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.dead) >= q.deadLimit {
		n := copy(q.dead, q.dead[len(q.dead)-q.deadLimit+1:])
		clear(q.dead[n:])
		q.dead = q.dead[:n]
	}
	q.dead = append(q.dead, DeadLetter{Item: item, Reason: reason, FailedAt: q.now()})
}

// ClearDeadLetters empties the dead-letter list and returns its former length.
func (q *Queue) ClearDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	q.dead = nil
	return n
}

func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}
