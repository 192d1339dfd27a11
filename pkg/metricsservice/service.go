// Package metricsservice implements the MetricsService of design §4.10:
// it subscribes to the EventStore tail and the provider.call MessageBus
// topic and maintains derived business/system metrics — a windowed MTTR
// sample with a t-distribution confidence interval, time-bucketed
// incident counts, per-provider rolling usage and P² latency
// percentiles, and SubscriberHub connection health. It holds no
// authoritative state of its own. The MTTR sample and incident counts
// are rebuilt from the event tail on Start; provider usage and latency
// come only from live provider.call bus messages, so they start empty
// after a restart.
package metricsservice

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/incident/phase"
	"github.com/incident-commander/coordinator/pkg/provider"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	"github.com/incident-commander/coordinator/pkg/sharedutil/mathstat"
	"github.com/incident-commander/coordinator/pkg/sharedutil/quantile"
)

// SnapshotTopic is the MessageBus topic a periodic Snapshot is pushed
// to (design §4.10).
const SnapshotTopic = "metrics.snapshot"

const providerCallTopic = "provider.call"

// Config wires a Service's ambient dependencies and tuning knobs.
type Config struct {
	Store eventstore.Store
	Bus   *bus.Bus // optional: nil disables provider.call ingestion and snapshot pushes
	Hub   *hub.Hub // optional: nil disables subscriber-health reporting

	SnapshotInterval   time.Duration // default 30s
	HealthPollInterval time.Duration // default 5s
	MTTRWindowSize     int           // default 1000
	MTTRWindowMaxAge   time.Duration // default 7 days
	BucketWidth        time.Duration // default 1h
	BucketRetention    time.Duration // default 7 days

	Clock      sharedclock.Clock
	Logger     *logrus.Logger
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = 5 * time.Second
	}
	if c.MTTRWindowSize <= 0 {
		c.MTTRWindowSize = 1000
	}
	if c.MTTRWindowMaxAge <= 0 {
		c.MTTRWindowMaxAge = 7 * 24 * time.Hour
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = time.Hour
	}
	if c.BucketRetention <= 0 {
		c.BucketRetention = 7 * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = sharedclock.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}

type mttrSample struct {
	duration time.Duration
	at       time.Time
}

// BucketCounts tallies incident lifecycle transitions within one time
// bucket.
type BucketCounts struct {
	Opened    int64
	Resolved  int64
	Rejected  int64
	Failed    int64
	Cancelled int64
}

type providerStat struct {
	calls, errors       int64
	tokensIn, tokensOut int64
	costMicros          int64
	p50, p95, p99       *quantile.Estimator
}

// ProviderUsage is the pull-queryable rolling view of one provider's
// call volume, spend, and latency distribution.
type ProviderUsage struct {
	Calls      int64
	Errors     int64
	ErrorRate  float64
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
	P50Ms      float64
	P95Ms      float64
	P99Ms      float64
}

// SubscriberHealth summarizes SubscriberHub connection quality (design
// §4.9's "connection quality exposed to MetricsService").
type SubscriberHealth struct {
	ConnectionCount     int
	AggregateDropRate   float64
	AvgLastDeliverLagMs float64
}

// MTTR is the mean time to resolve an incident over the current
// windowed sample, with a 95% confidence interval computed via the
// t-distribution (design §4.10).
type MTTR struct {
	Mean                time.Duration
	ConfidenceHalfWidth time.Duration
	SampleSize          int
}

// Snapshot is the full pull-queryable MetricsService view (API
// surface's GetMetrics, design §4.12).
type Snapshot struct {
	GeneratedAt time.Time
	MTTR        MTTR
	Buckets     map[string]BucketCounts
	Providers   map[string]ProviderUsage
	Subscribers SubscriberHealth
}

// Service is the MetricsService of design §4.10.
type Service struct {
	cfg        Config
	metrics    *Metrics
	hubMetrics *hub.Metrics

	mu        sync.Mutex
	mttr      []mttrSample
	buckets   map[string]*BucketCounts
	providers map[string]*providerStat
	createdAt map[string]time.Time // incident id -> IncidentOpened timestamp, cleared on terminal close
}

// New constructs a Service. Call Start to begin ingesting the event
// tail and the provider.call bus topic.
func New(cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		metrics:   RegisterMetrics(cfg.Registerer),
		buckets:   make(map[string]*BucketCounts),
		providers: make(map[string]*providerStat),
		createdAt: make(map[string]time.Time),
	}
}

// Start subscribes to the EventStore's full tail (every incident, from
// sequence 0) and, if configured, the provider.call bus topic, and
// begins the periodic snapshot-push and subscriber-health poll loops.
// It returns once the initial subscriptions are established; ingestion
// continues in background goroutines until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	events, unsubStore, err := s.cfg.Store.Subscribe(ctx, "", 0)
	if err != nil {
		return err
	}
	go func() {
		defer unsubStore()
		for e := range events {
			s.handleEvent(e)
		}
	}()

	var unsubBus bus.Unsubscribe
	if s.cfg.Bus != nil {
		unsubBus = s.cfg.Bus.Subscribe(providerCallTopic, s.handleProviderCall)
	}

	if s.cfg.Hub != nil {
		s.hubMetrics = hub.RegisterMetrics(s.cfg.Registerer)
	}

	go s.runLoop(ctx, unsubBus)
	return nil
}

func (s *Service) runLoop(ctx context.Context, unsubBus bus.Unsubscribe) {
	snapshotTicker := time.NewTicker(s.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	healthTicker := time.NewTicker(s.cfg.HealthPollInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if unsubBus != nil {
				unsubBus()
			}
			return
		case <-snapshotTicker.C:
			s.pushSnapshot()
		case <-healthTicker.C:
			s.pollHealth()
		}
	}
}

func (s *Service) pushSnapshot() {
	if s.cfg.Bus == nil {
		return
	}
	snap := s.Snapshot()
	if err := s.cfg.Bus.Publish(bus.Message{Topic: SnapshotTopic, Priority: bus.LOW, Payload: snap}); err != nil {
		s.cfg.Logger.WithError(err).Warn("failed to publish metrics snapshot")
	}
}

func (s *Service) pollHealth() {
	if s.cfg.Hub != nil && s.hubMetrics != nil {
		s.hubMetrics.Observe(s.cfg.Hub)
	}
	health := s.subscriberHealth()
	s.metrics.subscriberCount.Set(float64(health.ConnectionCount))
	s.metrics.subscriberDropRate.Set(health.AggregateDropRate)
}

func (s *Service) subscriberHealth() SubscriberHealth {
	if s.cfg.Hub == nil {
		return SubscriberHealth{}
	}
	qs := s.cfg.Hub.Quality()
	var delivered, dropped uint64
	var lagSum float64
	var lagCount int
	now := s.cfg.Clock.Now()
	for _, q := range qs {
		delivered += q.Delivered
		dropped += q.Dropped
		if !q.LastDeliverAt.IsZero() {
			lagSum += now.Sub(q.LastDeliverAt).Seconds() * 1000
			lagCount++
		}
	}
	health := SubscriberHealth{ConnectionCount: len(qs)}
	if total := delivered + dropped; total > 0 {
		health.AggregateDropRate = float64(dropped) / float64(total)
	}
	if lagCount > 0 {
		health.AvgLastDeliverLagMs = lagSum / float64(lagCount)
	}
	return health
}

func (s *Service) handleEvent(e incident.Event) {
	switch e.Kind {
	case incident.EventIncidentOpened:
		s.mu.Lock()
		s.createdAt[e.IncidentID] = e.Timestamp
		s.bucketFor(e.Timestamp).Opened++
		s.mu.Unlock()
		s.metrics.incidentsTotal.WithLabelValues("opened").Inc()

	case incident.EventIncidentResolved:
		var payload incident.IncidentResolvedPayload
		if err := decodePayload(e.Payload, &payload); err != nil {
			s.cfg.Logger.WithError(err).Warn("failed to decode IncidentResolved payload")
			return
		}
		s.mu.Lock()
		createdAt, ok := s.createdAt[e.IncidentID]
		delete(s.createdAt, e.IncidentID)
		s.bucketFor(e.Timestamp).Resolved++
		s.mu.Unlock()
		if ok {
			s.recordMTTR(payload.ResolvedAt.Sub(createdAt), e.Timestamp)
		}
		s.metrics.incidentsTotal.WithLabelValues("resolved").Inc()

	case incident.EventIncidentFailed:
		var payload incident.IncidentFailedPayload
		if err := decodePayload(e.Payload, &payload); err != nil {
			s.cfg.Logger.WithError(err).Warn("failed to decode IncidentFailed payload")
			return
		}
		s.mu.Lock()
		delete(s.createdAt, e.IncidentID)
		b := s.bucketFor(e.Timestamp)
		label := classifyFailure(payload.Reason, b)
		s.mu.Unlock()
		s.metrics.incidentsTotal.WithLabelValues(label).Inc()
	}
}

// classifyFailure buckets an IncidentFailed event by the orchestrator's
// plain-text Reason, since design §3's EventKind taxonomy does not
// carry a dedicated rejected/cancelled kind (see pkg/orchestrator's
// closeRejected/closeCancelled). Caller must hold s.mu.
func classifyFailure(reason string, b *BucketCounts) string {
	switch reason {
	case "consensus rejected":
		b.Rejected++
		return string(phase.OutcomeRejected)
	case "cancelled":
		b.Cancelled++
		return string(phase.OutcomeCancelled)
	default:
		b.Failed++
		return string(phase.OutcomeFailed)
	}
}

// bucketFor returns the BucketCounts for t's bucket, creating it if
// necessary. Caller must hold s.mu.
func (s *Service) bucketFor(t time.Time) *BucketCounts {
	key := t.Truncate(s.cfg.BucketWidth).UTC().Format(time.RFC3339)
	b, ok := s.buckets[key]
	if !ok {
		b = &BucketCounts{}
		s.buckets[key] = b
	}
	return b
}

// recordMTTR appends a new MTTR sample and trims the window to
// Config.MTTRWindowMaxAge/MTTRWindowSize, whichever is smaller (design
// §4.10). Also trims stale incident-count buckets past BucketRetention.
func (s *Service) recordMTTR(d time.Duration, now time.Time) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mttr = append(s.mttr, mttrSample{duration: d, at: now})

	cutoff := now.Add(-s.cfg.MTTRWindowMaxAge)
	i := 0
	for i < len(s.mttr) && s.mttr[i].at.Before(cutoff) {
		i++
	}
	s.mttr = s.mttr[i:]
	if excess := len(s.mttr) - s.cfg.MTTRWindowSize; excess > 0 {
		s.mttr = s.mttr[excess:]
	}

	bucketCutoff := now.Add(-s.cfg.BucketRetention).Truncate(s.cfg.BucketWidth)
	for key := range s.buckets {
		t, err := time.Parse(time.RFC3339, key)
		if err == nil && t.Before(bucketCutoff) {
			delete(s.buckets, key)
		}
	}

	s.metrics.mttrSampleSize.Set(float64(len(s.mttr)))
	mean, _ := s.mttrStatsLocked()
	s.metrics.mttrMeanSeconds.Set(mean.Seconds())
}

func (s *Service) mttrStatsLocked() (mean time.Duration, halfWidth time.Duration) {
	if len(s.mttr) == 0 {
		return 0, 0
	}
	seconds := make([]float64, len(s.mttr))
	for i, sample := range s.mttr {
		seconds[i] = sample.duration.Seconds()
	}
	meanSec, halfWidthSec := mathstat.ConfidenceInterval95(seconds)
	return time.Duration(meanSec * float64(time.Second)), time.Duration(halfWidthSec * float64(time.Second))
}

func (s *Service) handleProviderCall(ctx context.Context, msg bus.Message) error {
	var payload provider.ProviderCallPayload
	if err := decodePayload(msg.Payload, &payload); err != nil {
		s.cfg.Logger.WithError(err).Warn("failed to decode provider.call payload")
		return nil
	}

	s.mu.Lock()
	st, ok := s.providers[payload.Provider]
	if !ok {
		st = &providerStat{p50: quantile.New(0.5), p95: quantile.New(0.95), p99: quantile.New(0.99)}
		s.providers[payload.Provider] = st
	}
	st.calls++
	if !payload.Succeeded {
		st.errors++
	}
	st.tokensIn += payload.TokensIn
	st.tokensOut += payload.TokensOut
	st.costMicros += payload.CostMicros
	st.p50.Observe(float64(payload.LatencyMs))
	st.p95.Observe(float64(payload.LatencyMs))
	st.p99.Observe(float64(payload.LatencyMs))
	s.mu.Unlock()

	s.metrics.providerCalls.WithLabelValues(payload.Provider).Inc()
	if !payload.Succeeded {
		s.metrics.providerErrors.WithLabelValues(payload.Provider).Inc()
	}
	s.metrics.providerTokensIn.WithLabelValues(payload.Provider).Add(float64(payload.TokensIn))
	s.metrics.providerTokensOut.WithLabelValues(payload.Provider).Add(float64(payload.TokensOut))
	s.metrics.providerCostMicros.WithLabelValues(payload.Provider).Add(float64(payload.CostMicros))
	return nil
}

// Snapshot returns the current pull-queryable metrics view (design
// §4.10/§4.12 GetMetrics).
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	mean, halfWidth := s.mttrStatsLocked()
	mttr := MTTR{Mean: mean, ConfidenceHalfWidth: halfWidth, SampleSize: len(s.mttr)}

	buckets := make(map[string]BucketCounts, len(s.buckets))
	for k, v := range s.buckets {
		buckets[k] = *v
	}

	providers := make(map[string]ProviderUsage, len(s.providers))
	for name, st := range s.providers {
		usage := ProviderUsage{
			Calls:      st.calls,
			Errors:     st.errors,
			TokensIn:   st.tokensIn,
			TokensOut:  st.tokensOut,
			CostMicros: st.costMicros,
			P50Ms:      st.p50.Value(),
			P95Ms:      st.p95.Value(),
			P99Ms:      st.p99.Value(),
		}
		if st.calls > 0 {
			usage.ErrorRate = float64(st.errors) / float64(st.calls)
		}
		providers[name] = usage

		s.metrics.providerLatency.WithLabelValues(name, "p50").Set(usage.P50Ms)
		s.metrics.providerLatency.WithLabelValues(name, "p95").Set(usage.P95Ms)
		s.metrics.providerLatency.WithLabelValues(name, "p99").Set(usage.P99Ms)
	}
	s.mu.Unlock()

	return Snapshot{
		GeneratedAt: s.cfg.Clock.Now(),
		MTTR:        mttr,
		Buckets:     buckets,
		Providers:   providers,
		Subscribers: s.subscriberHealth(),
	}
}

// decodePayload normalizes an Event/Message payload into target,
// regardless of whether raw is the original concrete Go value (the
// in-process Bus, and memory.Store, never serialize) or a
// map[string]interface{} produced by JSON-decoding a durable backend
// (postgres.Store). Round-tripping through encoding/json handles both
// uniformly.
func decodePayload(raw interface{}, target interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
