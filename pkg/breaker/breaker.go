/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker implements the per-dependency circuit breaker of
// design §4.2: a CLOSED/OPEN/HALF_OPEN gate keyed by a rolling failure
// count within a sliding window, with a single-probe HALF_OPEN.
package breaker

import (
	"container/ring"
	"context"
	"sync"
	"time"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/sirupsen/logrus"
)

// State is the observable circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Clock abstracts wall-clock reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds a breaker's tunables. Zero values are replaced with the
// design's documented defaults (§4.2): 5 failures in a 60s window, 30s
// cooldown.
type Config struct {
	Name             string
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Clock            Clock
	Logger           *logrus.Logger
}

// Snapshot is a read-only view of breaker state for monitoring, so
// concurrent callers never observe a torn read of internal state.
type Snapshot struct {
	Name          string
	State         State
	FailuresInWin int
	OpenedAt      time.Time
}

// CircuitBreaker is a per-dependency failure gate. An internal mutex
// serializes state transitions only; it is never held while the
// wrapped call executes.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    *ring.Ring // each slot holds a *time.Time or nil
	failureCnt  int
	openedAt    time.Time
	halfOpenBusy bool
}

const ringCapacity = 256

// New constructs a CircuitBreaker, filling zero-valued Config fields
// with the design's defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &CircuitBreaker{
		cfg:      cfg,
		state:    StateClosed,
		failures: ring.New(ringCapacity),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the breaker's current state, transitioning OPEN->HALF_OPEN
// first if the cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeExpireOpenLocked()
	return cb.state
}

// Snapshot returns a consistent read-only view of the breaker.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeExpireOpenLocked()
	return Snapshot{
		Name:          cb.cfg.Name,
		State:         cb.state,
		FailuresInWin: cb.failureCnt,
		OpenedAt:      cb.openedAt,
	}
}

// maybeExpireOpenLocked moves OPEN -> HALF_OPEN once the cooldown has
// elapsed. Caller must hold cb.mu.
func (cb *CircuitBreaker) maybeExpireOpenLocked() {
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.state = StateHalfOpen
		cb.halfOpenBusy = false
	}
}

// admit decides whether a call may proceed, returning an error if not;
// on HALF_OPEN it reserves the single probe slot for this caller.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeExpireOpenLocked()

	switch cb.state {
	case StateOpen:
		return cerrors.ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return cerrors.ErrCircuitOpen
		}
		cb.halfOpenBusy = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateClosed
		cb.halfOpenBusy = false
		cb.failureCnt = 0
		cb.failures = ring.New(ringCapacity)
	case StateClosed:
		// a success does not purge the failure window; it simply isn't counted.
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()

	if cb.state == StateHalfOpen {
		cb.halfOpenBusy = false
		cb.openState(now)
		return
	}

	cb.failures.Value = now
	cb.failures = cb.failures.Next()
	cb.failureCnt = cb.countInWindowLocked(now)

	if cb.state == StateClosed && cb.failureCnt >= cb.cfg.FailureThreshold {
		cb.openState(now)
	}
}

func (cb *CircuitBreaker) openState(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.WithFields(logrus.Fields{"component": "breaker", "name": cb.cfg.Name}).Warn("circuit breaker opened")
	}
}

func (cb *CircuitBreaker) countInWindowLocked(now time.Time) int {
	count := 0
	boundary := now.Add(-cb.cfg.Window)
	cb.failures.Do(func(v interface{}) {
		if v == nil {
			return
		}
		t := v.(time.Time)
		if t.After(boundary) {
			count++
		}
	})
	return count
}

// Call executes fn if the breaker admits the call and updates breaker
// state from its outcome. A rejected call returns the breaker's own
// circuit-open error; fn's error is returned unchanged. ctx
// cancellation surfaces as KindCancelled/KindTimeout via fn's own
// error, since the breaker does not itself enforce a deadline (design
// §4.2: "err may be ErrCircuitOpen, the wrapped dependency error, or
// ErrDeadlineExceeded").
func Call[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return zero, err
	}
	cb.recordSuccess()
	return result, nil
}

// CallErr is the side-effect-only convenience form (no result value),
// kept for call sites that only care about success/failure.
func (cb *CircuitBreaker) CallErr(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(cb, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
