// Package provider implements the ProviderFacade of design §4.11: a
// transport-agnostic front for the external AI providers an AgentRunner
// invokes, enforcing a per-provider monthly cost budget and emitting a
// provider.call event onto the MessageBus for every invocation whether
// it succeeds, is throttled by budget, or trips the circuit breaker.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/incident-commander/coordinator/pkg/breaker"
	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/incident"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
)

// Request is one model invocation, independent of which transport
// eventually serves it.
type Request struct {
	Role         incident.Role
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float64
}

// Response is the transport-agnostic result of a Request.
type Response struct {
	Content   string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// Transport invokes a single concrete AI provider's API. Implementations
// live in pkg/provider/{anthropic,bedrock,langchain}.
type Transport interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// CostRates prices one provider's tokens in micros (1/1,000,000 of the
// configured currency unit) so cost accounting never needs floats.
type CostRates struct {
	InputMicrosPerToken  int64
	OutputMicrosPerToken int64
}

func (r CostRates) cost(in, out int64) int64 {
	return in*r.InputMicrosPerToken + out*r.OutputMicrosPerToken
}

// registration bundles everything the facade needs to drive one
// provider: its transport, its dedicated breaker, its pricing, and its
// mutable monthly budget state.
type registration struct {
	transport Transport
	breaker   *breaker.CircuitBreaker
	rates     CostRates

	mu          sync.Mutex
	limitMicros int64
	spentMicros int64
	periodStart time.Time
}

// Config configures the Facade's ambient dependencies.
type Config struct {
	Clock sharedclock.Clock
	Bus   *bus.Bus
}

// Facade is the single entry point AgentRunner calls to invoke a named
// provider. It is safe for concurrent use.
type Facade struct {
	cfg Config

	mu   sync.RWMutex
	regs map[string]*registration
}

// New constructs an empty Facade; call Register for each provider
// before Invoke is used against it.
func New(cfg Config) *Facade {
	if cfg.Clock == nil {
		cfg.Clock = sharedclock.SystemClock{}
	}
	return &Facade{cfg: cfg, regs: make(map[string]*registration)}
}

// Register wires a named provider's transport, breaker, pricing and
// monthly budget (in micros; zero means unlimited) into the facade.
func (f *Facade) Register(name string, t Transport, cb *breaker.CircuitBreaker, rates CostRates, monthlyBudgetMicros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[name] = &registration{
		transport:   t,
		breaker:     cb,
		rates:       rates,
		limitMicros: monthlyBudgetMicros,
		periodStart: f.cfg.Clock.Now(),
	}
}

// Invoke routes req to the named provider, enforcing its monthly budget
// and circuit breaker, then publishes a provider.call event recording
// the outcome whether or not the call itself succeeded.
func (f *Facade) Invoke(ctx context.Context, providerName string, req Request) (Response, error) {
	f.mu.RLock()
	reg, ok := f.regs[providerName]
	f.mu.RUnlock()
	if !ok {
		return Response{}, cerrors.New(cerrors.KindNotFound, "unknown provider: "+providerName)
	}

	if err := reg.checkBudget(f.cfg.Clock.Now()); err != nil {
		f.publish(providerName, req, Response{}, err, 0)
		return Response{}, err
	}

	start := f.cfg.Clock.Now()
	resp, err := breaker.Call(reg.breaker, ctx, func(ctx context.Context) (Response, error) {
		return reg.transport.Invoke(ctx, req)
	})
	latency := f.cfg.Clock.Now().Sub(start)
	if err == nil {
		reg.recordSpend(f.cfg.Clock.Now(), resp.TokensIn, resp.TokensOut)
	}
	f.publish(providerName, req, resp, err, latency)
	return resp, err
}

func (reg *registration) checkBudget(now time.Time) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rolloverLocked(now)
	if reg.limitMicros > 0 && reg.spentMicros >= reg.limitMicros {
		return cerrors.ErrBudgetExceeded
	}
	return nil
}

func (reg *registration) recordSpend(now time.Time, tokensIn, tokensOut int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rolloverLocked(now)
	reg.spentMicros += reg.rates.cost(tokensIn, tokensOut)
}

// rolloverLocked resets the spend counter when the calendar month has
// turned over since periodStart. Caller must hold reg.mu.
func (reg *registration) rolloverLocked(now time.Time) {
	y1, m1, _ := reg.periodStart.Date()
	y2, m2, _ := now.Date()
	if y2 != y1 || m2 != m1 {
		reg.periodStart = now
		reg.spentMicros = 0
	}
}

// ProviderCallPayload is the Event payload for a provider.call event
// (design §6 event schema). MetricsService (design §4.10) subscribes to
// this topic to maintain per-provider rolling sums and latency
// percentiles.
type ProviderCallPayload struct {
	Provider   string
	Role       incident.Role
	Model      string
	TokensIn   int64
	TokensOut  int64
	CostMicros int64
	LatencyMs  int64
	Succeeded  bool
	Error      string
}

func (f *Facade) publish(providerName string, req Request, resp Response, callErr error, latency time.Duration) {
	if f.cfg.Bus == nil {
		return
	}
	payload := ProviderCallPayload{
		Provider:  providerName,
		Role:      req.Role,
		Model:     resp.Model,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		LatencyMs: latency.Milliseconds(),
		Succeeded: callErr == nil,
	}
	if callErr == nil {
		f.mu.RLock()
		if reg, ok := f.regs[providerName]; ok {
			payload.CostMicros = reg.rates.cost(resp.TokensIn, resp.TokensOut)
		}
		f.mu.RUnlock()
	} else {
		payload.Error = callErr.Error()
	}
	_ = f.cfg.Bus.Publish(bus.Message{
		Topic:    "provider.call",
		Priority: bus.LOW,
		Payload:  payload,
	})
}
