package ratelimit_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/incident-commander/coordinator/pkg/ratelimit"
)

var _ = Describe("RedisLimiter", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("shares one bucket across limiter instances pointed at the same key", func() {
		cfg := ratelimit.Config{Capacity: 2, RefillRate: 0.001, IdleTTL: time.Minute}
		l1 := ratelimit.NewRedis(client, "coord:", cfg)
		l2 := ratelimit.NewRedis(client, "coord:", cfg)

		ok1, err := l1.TryAcquire(context.Background(), "anthropic", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok1).To(BeTrue())

		ok2, err := l2.TryAcquire(context.Background(), "anthropic", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok2).To(BeTrue())

		ok3, err := l1.TryAcquire(context.Background(), "anthropic", 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok3).To(BeFalse())
	})

	It("keeps buckets independent per key", func() {
		cfg := ratelimit.Config{Capacity: 1, RefillRate: 0.001, IdleTTL: time.Minute}
		l := ratelimit.NewRedis(client, "coord:", cfg)

		okA, _ := l.TryAcquire(context.Background(), "providerA", 1)
		okB, _ := l.TryAcquire(context.Background(), "providerB", 1)
		Expect(okA).To(BeTrue())
		Expect(okB).To(BeTrue())
	})

	It("refills tokens over time", func() {
		cfg := ratelimit.Config{Capacity: 1, RefillRate: 1000, IdleTTL: time.Minute}
		l := ratelimit.NewRedis(client, "coord:", cfg)

		ok, _ := l.TryAcquire(context.Background(), "k", 1)
		Expect(ok).To(BeTrue())

		mr.FastForward(50 * time.Millisecond)

		Eventually(func() bool {
			ok, _ := l.TryAcquire(context.Background(), "k", 1)
			return ok
		}, time.Second, 10*time.Millisecond).Should(BeTrue())
	})

	It("rejects a request for more tokens than capacity without touching Redis state", func() {
		cfg := ratelimit.Config{Capacity: 1, RefillRate: 1}
		l := ratelimit.NewRedis(client, "coord:", cfg)
		_, err := l.TryAcquire(context.Background(), "k", 10)
		Expect(err).To(HaveOccurred())
	})
})
