package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_AndDuplicate(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "hub",
		Name:      "frames_sent_total",
		Help:      "Total frames sent",
	})

	err := registry.Register("hub", "frames_sent", counter)
	require.NoError(t, err)

	err = registry.Register("hub", "frames_sent", counter)
	assert.Error(t, err, "duplicate registration should fail")
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Active connections",
	})

	require.NoError(t, registry.Register("hub", "connections_active", gauge))
	assert.True(t, registry.Unregister("hub", "connections_active"))
	assert.False(t, registry.Unregister("hub", "connections_active"), "second unregister is a no-op")

	// Re-registration succeeds after unregister.
	assert.NoError(t, registry.Register("hub", "connections_active", gauge))
}

func TestHandler_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "client",
		Name:      "notifications_processed_total",
		Help:      "Total notifications processed",
	})
	require.NoError(t, registry.Register("client", "notifications_processed", counter))
	counter.Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_client_notifications_processed_total 3")
}
