package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus surface for a Hub's subscriber population,
// registered against a caller-supplied registry so tests can use an
// isolated one instead of the global default.
type Metrics struct {
	subscribers  prometheus.Gauge
	delivered    prometheus.Gauge
	dropped      prometheus.Gauge
	disconnected prometheus.Gauge
}

// RegisterMetrics creates and registers a Metrics collector on reg.
// Quality.Delivered/Dropped are already cumulative per subscriber, so
// these are gauges re-Set from the latest snapshot rather than
// counters that would double-count across Observe calls.
func RegisterMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_subscribers",
			Help: "Number of currently connected event-stream subscribers.",
		}),
		delivered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_events_delivered_total",
			Help: "Total events delivered to subscribers, summed across current subscribers.",
		}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_events_dropped_total",
			Help: "Total events dropped due to subscriber backpressure, summed across current subscribers.",
		}),
		disconnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hub_subscribers_disconnected",
			Help: "Number of live subscribers flagged disconnected by backpressure and not yet removed; subscribers held for grace-period reconnection are not counted.",
		}),
	}
	reg.MustRegister(m.subscribers, m.delivered, m.dropped, m.disconnected)
	return m
}

// Observe samples h's current subscriber population into m. Callers
// run this on a ticker (MetricsService owns the schedule).
func (m *Metrics) Observe(h *Hub) {
	qs := h.Quality()
	m.subscribers.Set(float64(len(qs)))
	var delivered, dropped, disconnected uint64
	for _, q := range qs {
		delivered += q.Delivered
		dropped += q.Dropped
		if q.Disconnected {
			disconnected++
		}
	}
	m.delivered.Set(float64(delivered))
	m.dropped.Set(float64(dropped))
	m.disconnected.Set(float64(disconnected))
}
