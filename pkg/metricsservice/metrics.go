package metricsservice

import "github.com/prometheus/client_golang/prometheus"

// Metrics is MetricsService's own Prometheus surface, registered
// against a caller-supplied registry so tests can use an isolated one
// instead of the global default (mirrors pkg/hub.RegisterMetrics).
type Metrics struct {
	mttrMeanSeconds    prometheus.Gauge
	mttrSampleSize     prometheus.Gauge
	incidentsTotal     *prometheus.CounterVec
	providerCalls      *prometheus.CounterVec
	providerErrors     *prometheus.CounterVec
	providerTokensIn   *prometheus.CounterVec
	providerTokensOut  *prometheus.CounterVec
	providerCostMicros *prometheus.CounterVec
	providerLatency    *prometheus.GaugeVec
	subscriberCount    prometheus.Gauge
	subscriberDropRate prometheus.Gauge
}

// RegisterMetrics creates and registers a Metrics collector on reg.
func RegisterMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mttrMeanSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricsservice_mttr_mean_seconds",
			Help: "Mean time-to-resolve over the current windowed MTTR sample.",
		}),
		mttrSampleSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricsservice_mttr_sample_size",
			Help: "Number of resolved incidents currently held in the windowed MTTR sample.",
		}),
		incidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_incidents_total",
			Help: "Incident lifecycle transitions observed from the event tail, by outcome.",
		}, []string{"outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_provider_calls_total",
			Help: "Provider invocations observed from provider.call events, by provider.",
		}, []string{"provider"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_provider_errors_total",
			Help: "Failed provider invocations, by provider.",
		}, []string{"provider"}),
		providerTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_provider_tokens_in_total",
			Help: "Input tokens consumed, by provider.",
		}, []string{"provider"}),
		providerTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_provider_tokens_out_total",
			Help: "Output tokens produced, by provider.",
		}, []string{"provider"}),
		providerCostMicros: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricsservice_provider_cost_micros_total",
			Help: "Accumulated provider spend in micros of the configured currency unit, by provider.",
		}, []string{"provider"}),
		providerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metricsservice_provider_latency_ms",
			Help: "Streaming-estimated provider call latency percentile, by provider and quantile.",
		}, []string{"provider", "quantile"}),
		subscriberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricsservice_subscribers",
			Help: "Current SubscriberHub connection count.",
		}),
		subscriberDropRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricsservice_subscriber_drop_rate",
			Help: "Aggregate SubscriberHub drop rate across current subscribers (dropped / (dropped + delivered)).",
		}),
	}
	reg.MustRegister(
		m.mttrMeanSeconds, m.mttrSampleSize, m.incidentsTotal,
		m.providerCalls, m.providerErrors, m.providerTokensIn, m.providerTokensOut, m.providerCostMicros,
		m.providerLatency, m.subscriberCount, m.subscriberDropRate,
	)
	return m
}
