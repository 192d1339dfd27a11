// Package agent implements the AgentRunner of design §4.6: one role
// invoked against an Incident snapshot, composing rate limiting,
// circuit breaking, provider invocation, guardrail evaluation, and a
// bounded retry loop into a single deterministic call.
package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/incident-commander/coordinator/pkg/guardrail"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/provider"
	"github.com/incident-commander/coordinator/pkg/ratelimit"
	sharedclock "github.com/incident-commander/coordinator/pkg/sharedutil/clock"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/incident-commander/coordinator/pkg/sharedutil/retry"
)

// maxAttempts is the AgentRunner's retry budget, per design §4.6 (a
// narrower cap than the MessageBus's default of 5).
const maxAttempts = 3

// PromptBuilder renders an Incident snapshot into the system/user
// prompt pair a provider call needs. Each role supplies its own.
type PromptBuilder func(snapshot incident.Incident) (system, user string)

// Config wires one role's dependencies. Clock and Rand must be
// supplied explicitly so the runner stays deterministic under test.
type Config struct {
	Role         incident.Role
	ProviderName string
	Facade       *provider.Facade
	Limiter      ratelimit.Limiter
	LimiterKey   string
	Guardrail    *guardrail.Evaluator
	Policy       retry.Policy
	Prompt       PromptBuilder
	Clock        sharedclock.Clock
	Rand         *rand.Rand
	MaxTokens    int
	Temperature  float64
}

func (c Config) withDefaults() Config {
	if c.Policy.MaxAttempts == 0 {
		c.Policy = retry.Default().WithMaxAttempts(maxAttempts)
	}
	if c.Clock == nil {
		c.Clock = sharedclock.SystemClock{}
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
	if c.Prompt == nil {
		c.Prompt = defaultPrompt
	}
	return c
}

func defaultPrompt(snapshot incident.Incident) (string, string) {
	return "", "incident " + snapshot.ID
}

// Runner executes one role's AgentRunner algorithm.
type Runner struct {
	cfg Config
}

// New builds a Runner, filling unset Config fields with design-default
// behavior (a 3-attempt retry budget, system clock, seeded rand).
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Run invokes the runner's role against snapshot once, retrying
// retryable provider failures up to the configured attempt budget, and
// returns the resulting AgentOutput. It never returns an error: every
// outcome, including cancellation, is represented in the output's
// Status.
func (r *Runner) Run(ctx context.Context, snapshot incident.Incident) incident.AgentOutput {
	start := r.cfg.Clock.Now()
	system, user := r.cfg.Prompt(snapshot)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.cancelledOutput(start, err)
		}

		if err := r.cfg.Limiter.Acquire(ctx, r.cfg.LimiterKey, 1); err != nil {
			if cerrors.Is(err, cerrors.KindCancelled) {
				return r.cancelledOutput(start, err)
			}
			return r.failedOutput(start, err)
		}

		resp, err := r.cfg.Facade.Invoke(ctx, r.cfg.ProviderName, provider.Request{
			Role:         r.cfg.Role,
			SystemPrompt: system,
			Prompt:       user,
			MaxTokens:    r.cfg.MaxTokens,
			Temperature:  r.cfg.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelledOutput(start, ctx.Err())
			}
			lastErr = err
			if !retryable(err) || attempt == r.cfg.Policy.MaxAttempts {
				return r.failedOutput(start, err)
			}
			if sleepErr := r.cfg.Policy.Sleep(ctx, attempt, r.cfg.Rand); sleepErr != nil {
				return r.cancelledOutput(start, sleepErr)
			}
			continue
		}

		return r.evaluate(start, resp)
	}

	return r.failedOutput(start, lastErr)
}

func (r *Runner) evaluate(start time.Time, resp provider.Response) incident.AgentOutput {
	out := incident.AgentOutput{
		Role:       r.cfg.Role,
		Proposal:   resp.Content,
		Confidence: confidenceFrom(resp),
		LatencyMs:  r.cfg.Clock.Now().Sub(start).Milliseconds(),
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
	}

	if r.cfg.Guardrail == nil {
		out.Status = incident.AgentCompleted
		out.GuardrailResult = incident.GuardrailPass
		return out
	}

	verdict, err := r.cfg.Guardrail.Evaluate(context.Background(), map[string]interface{}{
		"role":    string(r.cfg.Role),
		"content": resp.Content,
	})
	if err != nil {
		out.Status = incident.AgentFailed
		out.GuardrailResult = incident.GuardrailBlock
		out.GuardrailReason = err.Error()
		return out
	}

	out.GuardrailPolicyRef = verdict.PolicyRef
	if !verdict.Pass {
		out.Status = incident.AgentFailed
		out.GuardrailResult = incident.GuardrailBlock
		out.GuardrailReason = verdict.Reason
		return out
	}

	out.Status = incident.AgentCompleted
	out.GuardrailResult = incident.GuardrailPass
	return out
}

// confidenceFrom is a placeholder scoring hook: real roles extract a
// confidence value from the provider's structured response. Without
// one, a non-empty response is treated as moderately confident.
func confidenceFrom(resp provider.Response) float64 {
	if resp.Content == "" {
		return 0
	}
	return 0.75
}

func (r *Runner) failedOutput(start time.Time, err error) incident.AgentOutput {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return incident.AgentOutput{
		Role:            r.cfg.Role,
		Status:          incident.AgentFailed,
		GuardrailResult: incident.GuardrailPass,
		GuardrailReason: reason,
		LatencyMs:       r.cfg.Clock.Now().Sub(start).Milliseconds(),
	}
}

func (r *Runner) cancelledOutput(start time.Time, err error) incident.AgentOutput {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return incident.AgentOutput{
		Role:            r.cfg.Role,
		Status:          incident.AgentCancelled,
		GuardrailResult: incident.GuardrailPass,
		GuardrailReason: reason,
		LatencyMs:       r.cfg.Clock.Now().Sub(start).Milliseconds(),
	}
}

// retryable reports whether err warrants another attempt: timeouts and
// throttling, per design §4.6; guardrail blocks, budget exhaustion, an
// open circuit, and validation failures are never retried.
func retryable(err error) bool {
	switch cerrors.KindOf(err) {
	case cerrors.KindThrottled, cerrors.KindTimeout:
		return true
	case cerrors.KindCircuitOpen, cerrors.KindGuardrailBlock, cerrors.KindBudgetExceeded,
		cerrors.KindValidation, cerrors.KindNotFound, cerrors.KindConflict,
		cerrors.KindCorruption, cerrors.KindCancelled:
		return false
	default:
		return cerrors.IsRetryable(err)
	}
}
