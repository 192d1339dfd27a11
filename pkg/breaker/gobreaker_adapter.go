package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// GobreakerAdapter wraps sony/gobreaker.CircuitBreaker behind the same
// generic Call contract as CircuitBreaker, for dependencies that want
// gobreaker's own half-open max-requests bookkeeping (e.g. admitting
// more than one probe) instead of the hand-rolled single-probe gate
// above. Nothing in this module's production wiring constructs one:
// provider calls and Slack delivery both go through the hand-rolled
// CircuitBreaker, which also offers the Snapshot view gobreaker does
// not expose.
type GobreakerAdapter struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewGobreakerAdapter builds an adapter with settings translated from
// the same Config the hand-rolled breaker accepts, so callers do not
// need to learn two configuration shapes.
func NewGobreakerAdapter(cfg Config) *GobreakerAdapter {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.Window,
		Timeout:  cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	}
	if cfg.Logger != nil {
		logger := cfg.Logger
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"component": "breaker",
				"name":      name,
				"from":      from.String(),
				"to":        to.String(),
			}).Info("circuit breaker state changed")
		}
	}
	return &GobreakerAdapter{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// CallGobreaker executes fn through gobreaker, translating its sentinel errors
// into the shared error taxonomy.
func CallGobreaker[T any](a *GobreakerAdapter, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := a.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, ErrFromGobreaker(err)
		}
		return zero, err
	}
	return result.(T), nil
}

// State reports the adapter's current gobreaker state.
func (a *GobreakerAdapter) State() gobreaker.State {
	return a.cb.State()
}
