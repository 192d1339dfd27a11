package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// InProcessLimiter keys a golang.org/x/time/rate.Limiter per bucket key,
// creating buckets lazily on first use and evicting ones that have sat
// idle past Config.IdleTTL. x/time/rate already gives FIFO fairness
// among blocked Wait callers for the same limiter, so each bucket is a
// thin wrapper adding lazy creation and eviction on top.
type InProcessLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New constructs an in-process Limiter.
func New(cfg Config) *InProcessLimiter {
	return &InProcessLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
	}
}

func (l *InProcessLimiter) bucketFor(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity)}
		l.buckets[key] = b
	}
	b.lastAccess = now
	return b
}

// Acquire blocks until n tokens are available for key or ctx is done.
func (l *InProcessLimiter) Acquire(ctx context.Context, key string, n int) error {
	if n > l.cfg.Capacity {
		return tokensExceedCapacity(n, l.cfg.Capacity)
	}
	b := l.bucketFor(key, time.Now())
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return cerrors.Wrap(cerrors.KindCancelled, "rate limiter wait cancelled", err)
	}
	return nil
}

// TryAcquire never blocks: it reports whether n tokens were available
// and immediately deducted.
func (l *InProcessLimiter) TryAcquire(ctx context.Context, key string, n int) (bool, error) {
	if n > l.cfg.Capacity {
		return false, tokensExceedCapacity(n, l.cfg.Capacity)
	}
	b := l.bucketFor(key, time.Now())
	return b.limiter.AllowN(time.Now(), n), nil
}

// EvictIdle removes buckets that have not been touched since before
// now.Add(-IdleTTL). Callers run this periodically (e.g. from a
// ticker); it is not started automatically so tests stay deterministic.
func (l *InProcessLimiter) EvictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.cfg.IdleTTL)
	evicted := 0
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// BucketCount reports the number of live buckets, for tests and metrics.
func (l *InProcessLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
