package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailsense/realtime/notification"
)

// pipeline is the single processing path every received notification
// goes through, regardless of transport: de-duplicate by id, queue,
// distribute to subscribers, then persist if marked persistent.
//
// Processing is serialized so concurrent arrivals from the push path
// and a poll cycle cannot interleave half-processed state.
type pipeline struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	queue   *Queue
	subs    *Subscriptions
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

func newPipeline(queue *Queue, subs *Subscriptions, store Store, logger *slog.Logger, metrics *Metrics) *pipeline {
	return &pipeline{
		seen:    make(map[string]time.Time),
		queue:   queue,
		subs:    subs,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// process runs one notification through the pipeline. Returns false for
// duplicates and invalid notifications, which are dropped.
func (p *pipeline) process(ctx context.Context, n notification.Notification, transport string) bool {
	if err := n.Validate(); err != nil {
		p.logger.Warn("dropping invalid notification", "transport", transport, "error", err)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[n.ID]; dup {
		p.metrics.duplicate()
		return false
	}
	p.seen[n.ID] = n.Timestamp

	if _, evicted := p.queue.Add(n); evicted {
		p.metrics.evicted()
	}
	p.metrics.setQueueDepth(p.queue.Len())

	delivered := p.subs.Distribute(n)
	p.metrics.callbacks(delivered)

	// Persistence failures degrade durability only. The notification
	// was already queued and distributed.
	if n.Persistent && p.store != nil {
		if err := p.store.Save(ctx, n); err != nil {
			p.metrics.storeError()
			p.logger.Warn("persist failed",
				"notification_id", n.ID,
				"transport", transport,
				"error", err)
		}
	}

	p.metrics.processed(transport)
	p.logger.Debug("notification processed",
		"notification_id", n.ID,
		"transport", transport,
		"subscribers", delivered)
	return true
}

// sweepSeen drops de-duplication entries older than the retention
// window so the seen set stays bounded alongside the queue.
func (p *pipeline) sweepSeen(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	p.mu.Lock()
	for id, ts := range p.seen {
		if ts.Before(cutoff) {
			delete(p.seen, id)
		}
	}
	p.mu.Unlock()
}
