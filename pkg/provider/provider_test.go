package provider_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/breaker"
	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/provider"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
)

func TestProvider(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Provider Suite")
}

type fakeTransport struct {
	name     string
	resp     provider.Response
	err      error
	invoked  int
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	f.invoked++
	return f.resp, f.err
}

func newFacade(clk sharedclock.Clock) *provider.Facade {
	return provider.New(provider.Config{Clock: clk})
}

var _ = Describe("Facade", func() {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	It("routes a call through to the registered transport and accounts cost", func() {
		clk := sharedclock.NewFakeClock(now)
		f := newFacade(clk)
		ft := &fakeTransport{name: "anthropic", resp: provider.Response{Content: "ok", Model: "claude", TokensIn: 100, TokensOut: 50}}
		cb := breaker.New(breaker.Config{Name: "anthropic", Clock: clk})
		f.Register("anthropic", ft, cb, provider.CostRates{InputMicrosPerToken: 10, OutputMicrosPerToken: 30}, 1_000_000)

		resp, err := f.Invoke(context.Background(), "anthropic", provider.Request{Role: incident.RoleDiagnosis, Prompt: "why?"})
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Content).To(Equal("ok"))
		Expect(ft.invoked).To(Equal(1))
	})

	It("rejects an unregistered provider name", func() {
		f := newFacade(sharedclock.NewFakeClock(now))
		_, err := f.Invoke(context.Background(), "nope", provider.Request{})
		Expect(err).To(HaveOccurred())
	})

	It("blocks further calls once the monthly budget is exhausted", func() {
		clk := sharedclock.NewFakeClock(now)
		f := newFacade(clk)
		ft := &fakeTransport{name: "anthropic", resp: provider.Response{TokensIn: 1000, TokensOut: 1000}}
		cb := breaker.New(breaker.Config{Name: "anthropic", Clock: clk})
		// 1000*10 + 1000*30 = 40000 micros per call; budget allows exactly one.
		f.Register("anthropic", ft, cb, provider.CostRates{InputMicrosPerToken: 10, OutputMicrosPerToken: 30}, 40_000)

		_, err := f.Invoke(context.Background(), "anthropic", provider.Request{})
		Expect(err).ToNot(HaveOccurred())

		_, err = f.Invoke(context.Background(), "anthropic", provider.Request{})
		Expect(err).To(HaveOccurred())
		Expect(ft.invoked).To(Equal(1), "the second call must never reach the transport")
	})

	It("resets the budget when the calendar month rolls over", func() {
		clk := sharedclock.NewFakeClock(now)
		f := newFacade(clk)
		ft := &fakeTransport{name: "anthropic", resp: provider.Response{TokensIn: 1000, TokensOut: 1000}}
		cb := breaker.New(breaker.Config{Name: "anthropic", Clock: clk})
		f.Register("anthropic", ft, cb, provider.CostRates{InputMicrosPerToken: 10, OutputMicrosPerToken: 30}, 40_000)

		_, err := f.Invoke(context.Background(), "anthropic", provider.Request{})
		Expect(err).ToNot(HaveOccurred())
		_, err = f.Invoke(context.Background(), "anthropic", provider.Request{})
		Expect(err).To(HaveOccurred())

		clk.Set(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
		_, err = f.Invoke(context.Background(), "anthropic", provider.Request{})
		Expect(err).ToNot(HaveOccurred())
	})

	It("surfaces a transport failure and still publishes a provider.call event", func() {
		clk := sharedclock.NewFakeClock(now)
		b := bus.New(bus.Config{Clock: clk})
		defer b.Close()
		f := provider.New(provider.Config{Clock: clk, Bus: b})

		received := make(chan bus.Message, 1)
		b.Subscribe("provider.call", func(ctx context.Context, msg bus.Message) error {
			received <- msg
			return nil
		})

		ft := &fakeTransport{name: "bedrock", err: context.DeadlineExceeded}
		cb := breaker.New(breaker.Config{Name: "bedrock", Clock: clk})
		f.Register("bedrock", ft, cb, provider.CostRates{}, 0)

		_, err := f.Invoke(context.Background(), "bedrock", provider.Request{Role: incident.RoleResolution})
		Expect(err).To(HaveOccurred())

		Eventually(received).Should(Receive(WithTransform(func(m bus.Message) bool {
			p, ok := m.Payload.(provider.ProviderCallPayload)
			return ok && !p.Succeeded && p.Provider == "bedrock"
		}, BeTrue())))
	})
})
