package phase_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/incident-commander/coordinator/pkg/incident/phase"
)

func TestPhase(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Phase Suite")
}

var _ = Describe("Phase State Machine", func() {
	Describe("IsTerminal", func() {
		DescribeTable("identifies terminal vs non-terminal phases",
			func(p phase.Phase, expected bool) {
				Expect(phase.IsTerminal(p)).To(Equal(expected))
			},
			Entry("Open is not terminal", phase.Open, false),
			Entry("Detecting is not terminal", phase.Detecting, false),
			Entry("Diagnosing is not terminal", phase.Diagnosing, false),
			Entry("Predicting is not terminal", phase.Predicting, false),
			Entry("Consensus is not terminal", phase.Consensus, false),
			Entry("Resolving is not terminal", phase.Resolving, false),
			Entry("Communicating is not terminal", phase.Communicating, false),
			Entry("AwaitingHuman is not terminal", phase.AwaitingHuman, false),
			Entry("Closed is terminal", phase.Closed, true),
		)
	})

	Describe("CanTransition", func() {
		DescribeTable("validates the forward pipeline",
			func(from, to phase.Phase, allowed bool) {
				Expect(phase.CanTransition(from, to)).To(Equal(allowed))
			},
			Entry("Open -> Detecting: allowed", phase.Open, phase.Detecting, true),
			Entry("Open -> Predicting: not allowed (cannot skip phases)", phase.Open, phase.Predicting, false),
			Entry("Detecting -> Diagnosing: allowed", phase.Detecting, phase.Diagnosing, true),
			Entry("Diagnosing -> Predicting: allowed", phase.Diagnosing, phase.Predicting, true),
			Entry("Predicting -> Consensus: allowed", phase.Predicting, phase.Consensus, true),
			Entry("Consensus -> Resolving: allowed (approved)", phase.Consensus, phase.Resolving, true),
			Entry("Consensus -> AwaitingHuman: allowed (rejected)", phase.Consensus, phase.AwaitingHuman, true),
			Entry("Consensus -> Communicating: not allowed (skips Resolving)", phase.Consensus, phase.Communicating, false),
			Entry("Resolving -> Communicating: allowed", phase.Resolving, phase.Communicating, true),
			Entry("Communicating -> Closed: allowed", phase.Communicating, phase.Closed, true),
			Entry("AwaitingHuman -> Closed: allowed", phase.AwaitingHuman, phase.Closed, true),
		)

		DescribeTable("allows Closed from any non-terminal phase (failure/cancel)",
			func(from phase.Phase) {
				Expect(phase.CanTransition(from, phase.Closed)).To(BeTrue())
			},
			Entry("from Open", phase.Open),
			Entry("from Detecting", phase.Detecting),
			Entry("from Diagnosing", phase.Diagnosing),
			Entry("from Predicting", phase.Predicting),
			Entry("from Consensus", phase.Consensus),
			Entry("from Resolving", phase.Resolving),
			Entry("from Communicating", phase.Communicating),
			Entry("from AwaitingHuman", phase.AwaitingHuman),
		)

		DescribeTable("rejects every transition out of the terminal phase",
			func(to phase.Phase) {
				Expect(phase.CanTransition(phase.Closed, to)).To(BeFalse())
			},
			Entry("to Open", phase.Open),
			Entry("to Detecting", phase.Detecting),
			Entry("to Closed (no self-transition)", phase.Closed),
		)
	})

	Describe("Validate", func() {
		DescribeTable("validates phase values",
			func(p phase.Phase, shouldSucceed bool) {
				err := phase.Validate(p)
				if shouldSucceed {
					Expect(err).ToNot(HaveOccurred())
				} else {
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("invalid phase"))
				}
			},
			Entry("Open is valid", phase.Open, true),
			Entry("Closed is valid", phase.Closed, true),
			Entry("empty string is invalid", phase.Phase(""), false),
			Entry("unknown value is invalid", phase.Phase("UNKNOWN"), false),
		)
	})
})
