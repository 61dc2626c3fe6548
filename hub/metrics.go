package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailsense/realtime/metric"
)

// Metrics tracks hub-side connection and delivery health.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	authFailuresTotal prometheus.Counter
	framesSent        *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	roomsActive       prometheus.Gauge
	fanoutDuration    prometheus.Histogram
	ingestTotal       *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, componentName string) *Metrics {
	// Return nil if no registry provided (nil input = nil feature pattern)
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections",
		}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "disconnects_total",
			Help:      "Connections removed, by reason",
		}, []string{"reason"}),
		authFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected for invalid credentials",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "frames_sent_total",
			Help:      "Frames written to clients, by frame type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "frames_dropped_total",
			Help:      "Frames that failed to write, by frame type",
		}, []string{"type"}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "rooms_active",
			Help:      "Rooms with at least one member",
		}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "fanout_duration_seconds",
			Help:      "Time to deliver one notification to a room",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "hub",
			Name:      "ingest_total",
			Help:      "Notifications received from NATS, by subject class and outcome",
		}, []string{"class", "outcome"}),
	}

	collectors := map[string]prometheus.Collector{
		"connections_active":      metrics.connectionsActive,
		"connections_total":       metrics.connectionsTotal,
		"disconnects_total":       metrics.disconnectsTotal,
		"auth_failures_total":     metrics.authFailuresTotal,
		"frames_sent_total":       metrics.framesSent,
		"frames_dropped_total":    metrics.framesDropped,
		"rooms_active":            metrics.roomsActive,
		"fanout_duration_seconds": metrics.fanoutDuration,
		"ingest_total":            metrics.ingestTotal,
	}
	for name, collector := range collectors {
		if err := registry.Register(componentName, name, collector); err != nil {
			// Duplicate registration happens when two hubs share a
			// registry in tests. Metrics stay functional either way.
			continue
		}
	}

	return metrics
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.disconnectsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) authFailed() {
	if m == nil {
		return
	}
	m.authFailuresTotal.Inc()
}

func (m *Metrics) frameSent(frameType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) frameDropped(frameType string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(frameType).Inc()
}

func (m *Metrics) setRoomsActive(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

func (m *Metrics) observeFanout(seconds float64) {
	if m == nil {
		return
	}
	m.fanoutDuration.Observe(seconds)
}

func (m *Metrics) ingested(class, outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(class, outcome).Inc()
}
