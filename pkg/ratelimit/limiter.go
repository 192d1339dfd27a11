// Package ratelimit implements the token-bucket RateLimiter of design
// §4.3: per-key admission for calls to external providers, with an
// in-process implementation for single-replica deployments and a
// Redis-backed implementation for fairness across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// Limiter is the shared contract both implementations satisfy.
type Limiter interface {
	// Acquire blocks, honoring ctx, until n tokens are available for
	// key, then deducts them. It returns ctx.Err() (wrapped as
	// KindCancelled, a passed deadline included) if ctx is done first.
	Acquire(ctx context.Context, key string, n int) error

	// TryAcquire deducts n tokens for key if immediately available and
	// never blocks.
	TryAcquire(ctx context.Context, key string, n int) (bool, error)
}

// Config holds the tunables of a single bucket. Zero values are
// replaced by New/NewRedis with the design's defaults.
type Config struct {
	Capacity   int
	RefillRate float64 // tokens per second
	IdleTTL    time.Duration
}

const (
	defaultCapacity   = 10
	defaultRefillRate = 1.0
	defaultIdleTTL    = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = defaultRefillRate
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	return c
}

// tokensExceedCapacity reports a request for more tokens than a bucket
// could ever hold, which would otherwise block forever.
func tokensExceedCapacity(n, capacity int) error {
	return cerrors.New(cerrors.KindValidation,
		fmt.Sprintf("requested %d tokens exceeds bucket capacity %d", n, capacity))
}
