package metricsservice_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/eventstore/memory"
	"github.com/incident-commander/coordinator/pkg/hub"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/metricsservice"
	"github.com/incident-commander/coordinator/pkg/provider"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
)

func TestMetricsService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MetricsService Suite")
}

func sumBuckets(snap metricsservice.Snapshot) metricsservice.BucketCounts {
	var total metricsservice.BucketCounts
	for _, b := range snap.Buckets {
		total.Opened += b.Opened
		total.Resolved += b.Resolved
		total.Rejected += b.Rejected
		total.Failed += b.Failed
		total.Cancelled += b.Cancelled
	}
	return total
}

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("rebuilds MTTR from the event tail on Start", func() {
		store := memory.New()
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		_, err := store.Append(context.Background(), "inc-1", 0, []incident.Event{{
			Kind:      incident.EventIncidentOpened,
			Timestamp: t0,
			Payload:   incident.IncidentOpenedPayload{Severity: incident.SeverityHigh, Fingerprint: "fp"},
		}})
		Expect(err).ToNot(HaveOccurred())

		resolvedAt := t0.Add(5 * time.Minute)
		_, err = store.Append(context.Background(), "inc-1", 1, []incident.Event{{
			Kind:      incident.EventIncidentResolved,
			Timestamp: resolvedAt,
			Payload:   incident.IncidentResolvedPayload{ResolvedAt: resolvedAt},
		}})
		Expect(err).ToNot(HaveOccurred())

		svc := metricsservice.New(metricsservice.Config{Store: store})
		Expect(svc.Start(ctx)).To(Succeed())

		Eventually(func() int {
			return svc.Snapshot().MTTR.SampleSize
		}, "1s").Should(Equal(1))

		snap := svc.Snapshot()
		Expect(snap.MTTR.Mean).To(Equal(5 * time.Minute))
		Expect(sumBuckets(snap).Opened).To(Equal(int64(1)))
		Expect(sumBuckets(snap).Resolved).To(Equal(int64(1)))
	})

	It("classifies IncidentFailed events by their plain-text reason", func() {
		store := memory.New()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		reasons := []string{"consensus rejected", "cancelled", "provider exhausted retries"}
		for i, reason := range reasons {
			incID := reasonIncidentID(i)
			_, err := store.Append(context.Background(), incID, 0, []incident.Event{{
				Kind:      incident.EventIncidentOpened,
				Timestamp: now,
				Payload:   incident.IncidentOpenedPayload{},
			}})
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Append(context.Background(), incID, 1, []incident.Event{{
				Kind:      incident.EventIncidentFailed,
				Timestamp: now,
				Payload:   incident.IncidentFailedPayload{Reason: reason},
			}})
			Expect(err).ToNot(HaveOccurred())
		}

		svc := metricsservice.New(metricsservice.Config{Store: store})
		Expect(svc.Start(ctx)).To(Succeed())

		Eventually(func() metricsservice.BucketCounts {
			return sumBuckets(svc.Snapshot())
		}, "1s").Should(Equal(metricsservice.BucketCounts{
			Opened: 3, Rejected: 1, Cancelled: 1, Failed: 1,
		}))
	})

	It("aggregates provider.call events into rolling usage and latency percentiles", func() {
		b := bus.New(bus.Config{})
		svc := metricsservice.New(metricsservice.Config{Store: memory.New(), Bus: b})
		Expect(svc.Start(ctx)).To(Succeed())

		for _, latency := range []int64{10, 20, 30, 40, 50, 60, 70} {
			Expect(b.Publish(bus.Message{
				Topic: "provider.call",
				Payload: provider.ProviderCallPayload{
					Provider: "anthropic", Succeeded: true,
					TokensIn: 5, TokensOut: 7, CostMicros: 100, LatencyMs: latency,
				},
			})).To(Succeed())
		}
		Expect(b.Publish(bus.Message{
			Topic:   "provider.call",
			Payload: provider.ProviderCallPayload{Provider: "anthropic", Succeeded: false},
		})).To(Succeed())

		Eventually(func() int64 {
			return svc.Snapshot().Providers["anthropic"].Calls
		}, "1s").Should(Equal(int64(8)))

		usage := svc.Snapshot().Providers["anthropic"]
		Expect(usage.Errors).To(Equal(int64(1)))
		Expect(usage.TokensIn).To(Equal(int64(35)))
		Expect(usage.P50Ms).To(BeNumerically(">", 0))
	})

	It("reports subscriber connection count and drop rate from the hub", func() {
		h := hub.New(hub.Config{
			MaxBatchSize:    1,
			MaxBatchLatency: time.Millisecond,
			OutboxCapacity:  1,
			Clock:           sharedclock.SystemClock{},
		})
		_, unsub := h.Subscribe("sub-1", "")
		defer unsub()

		for i := 0; i < 20; i++ {
			h.Publish(incident.Event{IncidentID: "inc-1", Sequence: int64(i), Kind: incident.EventAgentStarted})
		}

		svc := metricsservice.New(metricsservice.Config{
			Store:              memory.New(),
			Hub:                h,
			HealthPollInterval: 10 * time.Millisecond,
		})
		Expect(svc.Start(ctx)).To(Succeed())

		Eventually(func() int {
			return svc.Snapshot().Subscribers.ConnectionCount
		}, "1s").Should(Equal(1))
	})

	It("pushes a periodic metrics.snapshot message onto the bus", func() {
		b := bus.New(bus.Config{})
		received := make(chan metricsservice.Snapshot, 4)
		b.Subscribe(metricsservice.SnapshotTopic, func(ctx context.Context, msg bus.Message) error {
			if snap, ok := msg.Payload.(metricsservice.Snapshot); ok {
				received <- snap
			}
			return nil
		})

		svc := metricsservice.New(metricsservice.Config{
			Store:            memory.New(),
			Bus:              b,
			SnapshotInterval: 20 * time.Millisecond,
		})
		Expect(svc.Start(ctx)).To(Succeed())

		Eventually(received, "1s").Should(Receive())
	})
})

func reasonIncidentID(i int) string {
	return []string{"inc-a", "inc-b", "inc-c"}[i]
}
