package approval

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// errNotQueued means the request is not pending in this queue: it was never
// queued, or another writer already committed a terminal state.
var errNotQueued = errors.New("request not queued")

// Queue holds pending requests. Each request carries its own mutex, which is
// the single-writer point for its state transitions, and its own expiry
// timer. Reads never wait on a transition in progress.
type Queue struct {
	mu     sync.RWMutex
	items  map[string]*queued
	closed bool
}

type queued struct {
	mu       sync.Mutex
	req      Request
	timer    *time.Timer
	done     bool
	attempts int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*queued)}
}

// Add queues a pending request and arms a timer that calls onExpire once
// after the given delay.
func (q *Queue) Add(req Request, after time.Duration, onExpire func(id string)) error {
	if req.Status != StatusPending {
		return fmt.Errorf("queueing %s request %s: %w", req.Status, req.ID, ErrInvalidRequest)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.items[req.ID]; ok {
		return fmt.Errorf("request %s already queued: %w", req.ID, ErrInvalidRequest)
	}
	e := &queued{req: req}
	id := req.ID
	e.timer = time.AfterFunc(max(after, 0), func() { onExpire(id) })
	q.items[id] = e
	return nil
}

// Get returns a snapshot of the pending request with id.
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.RLock()
	e, ok := q.items[id]
	q.mu.RUnlock()
	if !ok {
		return Request{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return Request{}, false
	}
	return e.req, true
}

// List returns every pending request, oldest first.
func (q *Queue) List() []Request {
	q.mu.RLock()
	entries := make([]*queued, 0, len(q.items))
	for _, e := range q.items {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	out := make([]Request, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.done {
			out = append(out, e.req)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Resolve runs fn under the request's lock. When fn returns nil the
// returned request is committed: the timer is stopped and the request leaves
// the queue. When fn fails nothing changes. A request that is not queued
// yields errNotQueued.
func (q *Queue) Resolve(id string, fn func(Request) (Request, error)) (Request, error) {
	q.mu.RLock()
	e, ok := q.items[id]
	q.mu.RUnlock()
	if !ok {
		return Request{}, errNotQueued
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.req, errNotQueued
	}
	next, err := fn(e.req)
	if err != nil {
		return e.req, err
	}
	e.req = next
	e.done = true
	e.timer.Stop()

	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
	return next, nil
}

// Retry re-arms the expiry timer of a still-pending request with the delay
// backoff returns for this attempt, counting from 1.
func (q *Queue) Retry(id string, backoff func(attempt int) time.Duration, onExpire func(id string)) time.Duration {
	q.mu.RLock()
	e, ok := q.items[id]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 0
	}
	e.attempts++
	after := backoff(e.attempts)
	e.timer.Stop()
	e.timer = time.AfterFunc(after, func() { onExpire(id) })
	return after
}

// Close stops every timer and empties the queue. Requests stay pending in
// persistence.
func (q *Queue) Close() {
	q.mu.Lock()
	items := q.items
	q.items = make(map[string]*queued)
	q.closed = true
	q.mu.Unlock()

	for _, e := range items {
		e.mu.Lock()
		e.timer.Stop()
		e.done = true
		e.mu.Unlock()
	}
}
