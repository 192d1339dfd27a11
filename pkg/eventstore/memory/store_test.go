package memory_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/eventstore/memory"
	"github.com/incident-commander/coordinator/pkg/incident"
)

func TestMemoryStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory EventStore Suite")
}

func opened(id string) incident.Event {
	return incident.Event{IncidentID: id, Kind: incident.EventIncidentOpened, Timestamp: time.Now(), Payload: incident.IncidentOpenedPayload{Severity: incident.SeverityHigh}}
}

var _ = Describe("Store", func() {
	It("assigns gap-free sequences starting at 0", func() {
		s := memory.New()
		seq, err := s.Append(context.Background(), "inc-1", 0, []incident.Event{opened("inc-1")})
		Expect(err).ToNot(HaveOccurred())
		Expect(seq).To(Equal(int64(1)))

		seq, err = s.Append(context.Background(), "inc-1", 1, []incident.Event{opened("inc-1")})
		Expect(err).ToNot(HaveOccurred())
		Expect(seq).To(Equal(int64(2)))
	})

	It("rejects an append with a stale expected sequence", func() {
		s := memory.New()
		_, err := s.Append(context.Background(), "inc-1", 0, []incident.Event{opened("inc-1")})
		Expect(err).ToNot(HaveOccurred())

		_, err = s.Append(context.Background(), "inc-1", 0, []incident.Event{opened("inc-1")})
		Expect(err).To(HaveOccurred())
	})

	It("reads back events from a given sequence, respecting limit", func() {
		s := memory.New()
		for i := 0; i < 5; i++ {
			_, err := s.Append(context.Background(), "inc-1", int64(i), []incident.Event{opened("inc-1")})
			Expect(err).ToNot(HaveOccurred())
		}
		events, err := s.Read(context.Background(), "inc-1", 2, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Sequence).To(Equal(int64(2)))
		Expect(events[1].Sequence).To(Equal(int64(3)))
	})

	It("replays history then follows the live tail via Subscribe", func() {
		s := memory.New()
		_, err := s.Append(context.Background(), "inc-1", 0, []incident.Event{opened("inc-1")})
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, unsub, err := s.Subscribe(ctx, "inc-1", 0)
		Expect(err).ToNot(HaveOccurred())
		defer unsub()

		var first incident.Event
		Eventually(ch).Should(Receive(&first))
		Expect(first.Sequence).To(Equal(int64(0)))

		_, err = s.Append(context.Background(), "inc-1", 1, []incident.Event{opened("inc-1")})
		Expect(err).ToNot(HaveOccurred())

		var second incident.Event
		Eventually(ch).Should(Receive(&second))
		Expect(second.Sequence).To(Equal(int64(1)))
	})
})
