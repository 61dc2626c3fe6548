package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/mailsense/realtime/notification"
)

// History retains recently delivered notifications so the polling
// fallback and missed-notification sync can replay what a disconnected
// client did not receive. Per-user entries and broadcast entries are
// kept separately and merged on read.
type History struct {
	mu         sync.RWMutex
	byUser     map[string][]notification.Notification
	broadcasts []notification.Notification
	limit      int
	window     time.Duration
	now        func() time.Time
}

// NewHistory creates a history bounded by limit entries per user and by
// the retention window.
func NewHistory(limit int, window time.Duration) *History {
	return &History{
		byUser: make(map[string][]notification.Notification),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Append records a per-user notification. Newest entries are kept first;
// the oldest entry is dropped when the per-user bound is exceeded.
func (h *History) Append(userID string, n notification.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byUser[userID] = h.push(h.byUser[userID], n)
}

// AppendBroadcast records a notification delivered to every user.
func (h *History) AppendBroadcast(n notification.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = h.push(h.broadcasts, n)
}

func (h *History) push(list []notification.Notification, n notification.Notification) []notification.Notification {
	list = append([]notification.Notification{n}, list...)
	if len(list) > h.limit {
		list = list[:h.limit]
	}
	return list
}

// Since returns the user's notifications newer than the watermark,
// broadcasts included, oldest first so the client can replay them in
// arrival order. At most limit entries are returned; zero limit means
// the history bound.
func (h *History) Since(userID string, since time.Time, limit int) []notification.Notification {
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}
	cutoff := h.now().Add(-h.window)
	if since.After(cutoff) {
		cutoff = since
	}

	h.mu.RLock()
	merged := make([]notification.Notification, 0, len(h.byUser[userID])+len(h.broadcasts))
	for _, n := range h.byUser[userID] {
		if n.Timestamp.After(cutoff) {
			merged = append(merged, n)
		}
	}
	for _, n := range h.broadcasts {
		if n.Timestamp.After(cutoff) {
			merged = append(merged, n)
		}
	}
	h.mu.RUnlock()

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

// Prune drops entries older than the retention window and empty user
// lists. The hub runs this on its sweep ticker.
func (h *History) Prune() int {
	cutoff := h.now().Add(-h.window)
	removed := 0

	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, list := range h.byUser {
		kept := list[:0]
		for _, n := range list {
			if n.Timestamp.After(cutoff) {
				kept = append(kept, n)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(h.byUser, userID)
		} else {
			h.byUser[userID] = kept
		}
	}

	kept := h.broadcasts[:0]
	for _, n := range h.broadcasts {
		if n.Timestamp.After(cutoff) {
			kept = append(kept, n)
		} else {
			removed++
		}
	}
	h.broadcasts = kept

	return removed
}
