package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailsense/realtime/metric"
)

// Metrics tracks client-side connection health and pipeline throughput.
type Metrics struct {
	notificationsProcessed *prometheus.CounterVec
	duplicatesDropped      prometheus.Counter
	queueDepth             prometheus.Gauge
	queueEvictions         prometheus.Counter
	callbacksInvoked       prometheus.Counter
	callbackPanics         prometheus.Counter
	reconnects             prometheus.Counter
	stateTransitions       *prometheus.CounterVec
	pollCycles             *prometheus.CounterVec
	storeErrors            prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, componentName string) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		notificationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "notifications_processed_total",
			Help:      "Notifications accepted by the pipeline, by transport",
		}, []string{"transport"}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "duplicates_dropped_total",
			Help:      "Notifications dropped by id de-duplication",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "queue_depth",
			Help:      "Current queued notification count",
		}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "queue_evictions_total",
			Help:      "Oldest entries evicted by the queue bound",
		}),
		callbacksInvoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "callbacks_invoked_total",
			Help:      "Subscriber callbacks invoked",
		}),
		callbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "callback_panics_total",
			Help:      "Subscriber callbacks that panicked",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnection attempts",
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions",
		}, []string{"to"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "poll_cycles_total",
			Help:      "Fallback poll cycles, by outcome",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "client",
			Name:      "store_errors_total",
			Help:      "Persistence failures absorbed by the pipeline",
		}),
	}

	collectors := map[string]prometheus.Collector{
		"notifications_processed_total": metrics.notificationsProcessed,
		"duplicates_dropped_total":      metrics.duplicatesDropped,
		"queue_depth":                   metrics.queueDepth,
		"queue_evictions_total":         metrics.queueEvictions,
		"callbacks_invoked_total":       metrics.callbacksInvoked,
		"callback_panics_total":         metrics.callbackPanics,
		"reconnects_total":              metrics.reconnects,
		"state_transitions_total":       metrics.stateTransitions,
		"poll_cycles_total":             metrics.pollCycles,
		"store_errors_total":            metrics.storeErrors,
	}
	for name, collector := range collectors {
		if err := registry.Register(componentName, name, collector); err != nil {
			continue
		}
	}

	return metrics
}

func (m *Metrics) processed(transport string) {
	if m == nil {
		return
	}
	m.notificationsProcessed.WithLabelValues(transport).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.queueEvictions.Inc()
}

func (m *Metrics) callbacks(n int) {
	if m == nil {
		return
	}
	m.callbacksInvoked.Add(float64(n))
}

func (m *Metrics) panicked() {
	if m == nil {
		return
	}
	m.callbackPanics.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) transition(to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) poll(outcome string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
