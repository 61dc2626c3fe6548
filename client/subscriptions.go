package client

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// Filter selects which notifications a subscriber receives. An empty
// dimension matches everything on that dimension; a notification must
// match every non-empty dimension.
type Filter struct {
	Types      []notification.Type
	Categories []notification.Category
	Priorities []notification.Priority
}

// Matches reports whether the notification passes the filter.
func (f Filter) Matches(n notification.Notification) bool {
	if len(f.Types) > 0 && !containsType(f.Types, n.Type) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, n.Category) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, n.Priority) {
		return false
	}
	return true
}

func containsType(set []notification.Type, v notification.Type) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

func containsCategory(set []notification.Category, v notification.Category) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

func containsPriority(set []notification.Priority, v notification.Priority) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

// Callback receives matching notifications. Callbacks run synchronously
// on the distribution path and must not block for long.
type Callback func(notification.Notification)

type subscription struct {
	id       string
	filter   Filter
	callback Callback
	active   bool
}

// Subscriptions routes notifications to registered callbacks by filter.
// A panicking callback is isolated: it is logged and the remaining
// subscribers still receive the notification.
type Subscriptions struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	logger  *slog.Logger
	metrics *Metrics
}

// NewSubscriptions creates an empty subscription registry. A nil
// metrics handle disables instrumentation.
func NewSubscriptions(logger *slog.Logger, metrics *Metrics) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		subs:    make(map[string]*subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a callback and returns its subscription id.
func (s *Subscriptions) Subscribe(filter Filter, callback Callback) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = &subscription{id: id, filter: filter, callback: callback, active: true}
	s.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (s *Subscriptions) Unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Pause stops delivery to the subscription without removing it.
func (s *Subscriptions) Pause(id string) {
	s.setActive(id, false)
}

// Resume re-enables a paused subscription.
func (s *Subscriptions) Resume(id string) {
	s.setActive(id, true)
}

func (s *Subscriptions) setActive(id string, active bool) {
	s.mu.Lock()
	if sub, ok := s.subs[id]; ok {
		sub.active = active
	}
	s.mu.Unlock()
}

// Len returns the number of registered subscriptions, paused included.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Distribute delivers the notification to every active matching
// subscriber. Returns the number of callbacks invoked.
func (s *Subscriptions) Distribute(n notification.Notification) int {
	s.mu.RLock()
	matched := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.active && sub.filter.Matches(n) {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range matched {
		s.invoke(sub, n)
		delivered++
	}
	return delivered
}

func (s *Subscriptions) invoke(sub *subscription, n notification.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.panicked()
			s.logger.Error("subscriber callback panicked",
				"subscription_id", sub.id,
				"notification_id", n.ID,
				"panic", r,
				"error", errors.ErrCallbackPanic)
		}
	}()
	sub.callback(n)
}
