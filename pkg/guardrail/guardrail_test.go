package guardrail_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/guardrail"
)

func TestGuardrail(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Guardrail Suite")
}

const resolutionPolicy = `
package guardrail.resolution

default decision := {"allow": true, "reason": ""}

decision := {"allow": false, "reason": "action not permitted in region blocked-region"} if {
	input.region == "blocked-region"
}
`

var _ = Describe("Evaluator", func() {
	var eval *guardrail.Evaluator

	BeforeEach(func() {
		var err error
		eval, err = guardrail.New(context.Background(), "guardrail.resolution.decision",
			"data.guardrail.resolution.decision", resolutionPolicy)
		Expect(err).ToNot(HaveOccurred())
	})

	It("passes when no rule blocks the input", func() {
		v, err := eval.Evaluate(context.Background(), map[string]interface{}{"region": "us-east-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Pass).To(BeTrue())
		Expect(v.PolicyRef).To(Equal("guardrail.resolution.decision"))
	})

	It("blocks and records the reason for a region policy violation", func() {
		v, err := eval.Evaluate(context.Background(), map[string]interface{}{"region": "blocked-region"})
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Pass).To(BeFalse())
		Expect(v.Reason).To(ContainSubstring("blocked-region"))
	})

	It("fails closed when the policy module does not compile", func() {
		_, err := guardrail.New(context.Background(), "bad", "data.bad.decision", "not valid rego {{{")
		Expect(err).To(HaveOccurred())
	})
})
