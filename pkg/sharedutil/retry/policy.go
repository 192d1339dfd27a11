// Package retry implements the single backoff policy object the design
// notes (spec §9) require be shared by MessageBus, AgentRunner, and
// action execution rather than reimplemented per call site: base
// 100ms, factor 2, jitter +/-20%, cap 10s, per spec.md §4.4.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff with jitter, shared by every
// component that retries a fallible operation.
type Policy struct {
	Base       time.Duration
	Factor     float64
	JitterFrac float64
	Cap        time.Duration
	MaxAttempts int
}

// Default returns the design's canonical policy: base 100ms, factor 2,
// jitter +/-20%, cap 10s, max 5 attempts (MessageBus default;
// AgentRunner and action execution override MaxAttempts per their own
// budgets).
func Default() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Factor:      2,
		JitterFrac:  0.2,
		Cap:         10 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff delay before the given attempt (1-indexed:
// attempt 1 is the delay before the first retry, i.e. after the
// initial failed try). A source of randomness is accepted explicitly
// so callers stay deterministic under test.
func (p Policy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if raw > float64(p.Cap) {
		raw = float64(p.Cap)
	}
	if p.JitterFrac <= 0 {
		return time.Duration(raw)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	jitter := (rnd.Float64()*2 - 1) * p.JitterFrac // in [-JitterFrac, JitterFrac]
	delayed := raw * (1 + jitter)
	if delayed < 0 {
		delayed = 0
	}
	return time.Duration(delayed)
}

// Sleep blocks for Delay(attempt, rnd) or until ctx is cancelled,
// whichever comes first, returning ctx.Err() on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int, rnd *rand.Rand) error {
	d := p.Delay(attempt, rnd)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retryable reports whether another attempt is permitted given how many
// attempts have already been made.
func (p Policy) Retryable(attemptsSoFar int) bool {
	return attemptsSoFar < p.MaxAttempts
}

// WithMaxAttempts returns a copy of p with MaxAttempts overridden, for
// call sites (AgentRunner's 3-attempt cap) that share the backoff curve
// but not the retry budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}
