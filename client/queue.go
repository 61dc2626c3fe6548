package client

import (
	"sync"
	"time"

	"github.com/mailsense/realtime/notification"
)

// Queue is the bounded in-memory working set of received notifications,
// ordered most recent first. When full, the oldest entry is evicted to
// admit the new one.
type Queue struct {
	mu      sync.RWMutex
	items   []notification.Notification
	maxSize int
}

// NewQueue creates a queue bounded at maxSize entries.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{maxSize: maxSize}
}

// Add inserts a notification at the front. Returns the evicted
// notification and true when the bound forced an eviction.
func (q *Queue) Add(n notification.Notification) (notification.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]notification.Notification{n}, q.items...)
	if len(q.items) > q.maxSize {
		evicted := q.items[len(q.items)-1]
		q.items = q.items[:q.maxSize]
		return evicted, true
	}
	return notification.Notification{}, false
}

// Get returns a snapshot of the queue, most recent first. A positive
// limit caps the result at the newest limit entries; zero or a negative
// limit returns everything.
func (q *Queue) Get(limit int) []notification.Notification {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]notification.Notification(nil), q.items[:n]...)
}

// GetByID returns the queued notification with the given id.
func (q *Queue) GetByID(id string) (notification.Notification, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, n := range q.items {
		if n.ID == id {
			return n, true
		}
	}
	return notification.Notification{}, false
}

// Remove deletes the notification with the given id. Order of the
// remaining entries is preserved.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, n := range q.items {
		if n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Sweep removes entries that have passed their explicit expiry or are
// older than the retention window. Returns the number removed.
func (q *Queue) Sweep(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, n := range q.items {
		if n.Expired(now) || (retention > 0 && n.Timestamp.Before(cutoff)) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	q.items = kept
	return removed
}
