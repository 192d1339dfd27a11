// Package guardrail evaluates an agent's proposed output against a
// Rego policy bundle, deciding PASS or BLOCK(reason) per design §4.6.
// It is deliberately side-effect-free and stateless beyond the
// prepared query: the same input always evaluates to the same verdict.
package guardrail

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// Verdict is the PASS/BLOCK outcome of one guardrail check.
type Verdict struct {
	Pass      bool
	Reason    string
	PolicyRef string
}

// Evaluator wraps one prepared Rego query. Construct one per policy
// bundle/role at startup; Evaluate is safe for concurrent use.
type Evaluator struct {
	policyRef string
	query     rego.PreparedEvalQuery
}

// policyDecision is the shape every guardrail Rego rule must produce:
// a top-level object with "allow" and an optional "reason".
type policyDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// New compiles module (Rego source) and prepares query as the
// evaluation entry point, e.g. "data.guardrail.resolution.decision".
// policyRef is recorded on every Verdict for audit replay (design's
// GuardrailPolicyRef).
func New(ctx context.Context, policyRef, query, module string) (*Evaluator, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("guardrail.rego", module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindValidation, "compile guardrail policy", err)
	}
	return &Evaluator{policyRef: policyRef, query: pq}, nil
}

// Evaluate runs the prepared query against input, which becomes the
// Rego `input` document.
func (e *Evaluator) Evaluate(ctx context.Context, input map[string]interface{}) (Verdict, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Verdict{}, cerrors.Wrap(cerrors.KindInternal, "evaluate guardrail policy", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// No matching rule produced a result: fail closed.
		return Verdict{Pass: false, Reason: "policy produced no decision", PolicyRef: e.policyRef}, nil
	}

	decision, err := decodeDecision(rs[0].Expressions[0].Value)
	if err != nil {
		return Verdict{}, cerrors.Wrap(cerrors.KindInternal, "decode guardrail decision", err)
	}
	return Verdict{Pass: decision.Allow, Reason: decision.Reason, PolicyRef: e.policyRef}, nil
}

func decodeDecision(v interface{}) (policyDecision, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return policyDecision{}, fmt.Errorf("guardrail: expected object result, got %T", v)
	}
	var d policyDecision
	if allow, ok := m["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	return d, nil
}
