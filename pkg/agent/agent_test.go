package agent_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/agent"
	"github.com/incident-commander/coordinator/pkg/breaker"
	"github.com/incident-commander/coordinator/pkg/guardrail"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/provider"
	"github.com/incident-commander/coordinator/pkg/ratelimit"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

func TestAgent(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Agent Suite")
}

type scriptedTransport struct {
	name     string
	errs     []error
	resp     provider.Response
	invoked  int
}

func (s *scriptedTransport) Name() string { return s.name }
func (s *scriptedTransport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	idx := s.invoked
	s.invoked++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return provider.Response{}, s.errs[idx]
	}
	return s.resp, nil
}

const resolutionAllowPolicy = `
package guardrail.always

default decision := {"allow": true, "reason": ""}
`

const resolutionBlockPolicy = `
package guardrail.always

default decision := {"allow": false, "reason": "blocked by policy"}
`

func newGuardrail(module string) *guardrail.Evaluator {
	g, err := guardrail.New(context.Background(), "guardrail.always.decision", "data.guardrail.always.decision", module)
	Expect(err).ToNot(HaveOccurred())
	return g
}

var _ = Describe("Runner", func() {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := incident.Incident{ID: "inc-1"}

	newFacade := func(clk sharedclock.Clock, t *scriptedTransport) *provider.Facade {
		f := provider.New(provider.Config{Clock: clk})
		cb := breaker.New(breaker.Config{Name: t.name, Clock: clk})
		f.Register(t.name, t, cb, provider.CostRates{}, 0)
		return f
	}

	It("completes on first try when the provider succeeds and the guardrail passes", func() {
		clk := sharedclock.NewFakeClock(now)
		tr := &scriptedTransport{name: "anthropic", resp: provider.Response{Content: "do X"}}
		r := agent.New(agent.Config{
			Role: incident.RoleDiagnosis, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
		})
		out := r.Run(context.Background(), snapshot)
		Expect(out.Status).To(Equal(incident.AgentCompleted))
		Expect(out.GuardrailResult).To(Equal(incident.GuardrailPass))
		Expect(tr.invoked).To(Equal(1))
	})

	It("coerces a guardrail BLOCK to FAILED with the reason recorded", func() {
		clk := sharedclock.NewFakeClock(now)
		tr := &scriptedTransport{name: "anthropic", resp: provider.Response{Content: "do X"}}
		r := agent.New(agent.Config{
			Role: incident.RoleResolution, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionBlockPolicy), Clock: clk,
		})
		out := r.Run(context.Background(), snapshot)
		Expect(out.Status).To(Equal(incident.AgentFailed))
		Expect(out.GuardrailResult).To(Equal(incident.GuardrailBlock))
		Expect(out.GuardrailReason).To(Equal("blocked by policy"))
	})

	It("retries a throttled error and succeeds on the second attempt", func() {
		clk := sharedclock.NewFakeClock(now)
		throttled := cerrors.New(cerrors.KindThrottled, "rate limited upstream")
		tr := &scriptedTransport{name: "anthropic", errs: []error{throttled}, resp: provider.Response{Content: "ok"}}
		r := agent.New(agent.Config{
			Role: incident.RoleDetection, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
		})
		out := r.Run(context.Background(), snapshot)
		Expect(out.Status).To(Equal(incident.AgentCompleted))
		Expect(tr.invoked).To(Equal(2))
	})

	It("fails immediately on a non-retryable validation error", func() {
		clk := sharedclock.NewFakeClock(now)
		tr := &scriptedTransport{name: "anthropic", errs: []error{cerrors.New(cerrors.KindValidation, "bad request")}}
		r := agent.New(agent.Config{
			Role: incident.RolePrediction, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
		})
		out := r.Run(context.Background(), snapshot)
		Expect(out.Status).To(Equal(incident.AgentFailed))
		Expect(tr.invoked).To(Equal(1))
	})

	It("exhausts its 3-attempt retry budget on a persistently retryable error", func() {
		clk := sharedclock.NewFakeClock(now)
		timeoutErr := cerrors.New(cerrors.KindTimeout, "upstream timeout")
		tr := &scriptedTransport{name: "anthropic", errs: []error{timeoutErr, timeoutErr, timeoutErr, timeoutErr}}
		r := agent.New(agent.Config{
			Role: incident.RoleDiagnosis, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
		})
		out := r.Run(context.Background(), snapshot)
		Expect(out.Status).To(Equal(incident.AgentFailed))
		Expect(tr.invoked).To(Equal(3), "must stop at the 3-attempt cap, not retry indefinitely")
	})

	It("returns CANCELLED when the context is already done", func() {
		clk := sharedclock.NewFakeClock(now)
		tr := &scriptedTransport{name: "anthropic", resp: provider.Response{Content: "ok"}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := agent.New(agent.Config{
			Role: incident.RoleCommunication, ProviderName: "anthropic",
			Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
			Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
		})
		out := r.Run(ctx, snapshot)
		Expect(out.Status).To(Equal(incident.AgentCancelled))
		Expect(tr.invoked).To(Equal(0))
	})

	It("produces an identical output across two runs given the same fixed dependencies", func() {
		run := func() incident.AgentOutput {
			clk := sharedclock.NewFakeClock(now)
			tr := &scriptedTransport{name: "anthropic", resp: provider.Response{Content: "do X", TokensIn: 10, TokensOut: 5}}
			r := agent.New(agent.Config{
				Role: incident.RoleDiagnosis, ProviderName: "anthropic",
				Facade: newFacade(clk, tr), Limiter: ratelimit.New(ratelimit.Config{Capacity: 10, RefillRate: 10}),
				Guardrail: newGuardrail(resolutionAllowPolicy), Clock: clk,
			})
			return r.Run(context.Background(), snapshot)
		}
		Expect(run()).To(Equal(run()))
	})
})
