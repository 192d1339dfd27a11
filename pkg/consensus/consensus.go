// Package consensus implements the weighted Byzantine vote aggregator
// of design §4.7: a pure function over a set of AgentOutputs and a
// per-role weight map, with no I/O and no clock of its own.
package consensus

import (
	"sort"
	"time"

	"github.com/incident-commander/coordinator/pkg/incident"
)

// Config holds the tunables of one consensus evaluation.
type Config struct {
	// Weights maps a voting role to its share of the vote. Roles
	// absent from the map, or present with weight 0, are
	// informational only and excluded from the weighted sum.
	Weights map[incident.Role]float64

	// AgreeThreshold is the minimum confidence for a COMPLETED,
	// guardrail-PASS output to count as "agree". Default 0.6.
	AgreeThreshold float64

	// ConsensusThreshold is the weighted score an action must clear
	// to be approved. Default 0.85.
	ConsensusThreshold float64
}

const (
	defaultAgreeThreshold     = 0.6
	defaultConsensusThreshold = 0.85
)

func (c Config) withDefaults() Config {
	if c.AgreeThreshold <= 0 {
		c.AgreeThreshold = defaultAgreeThreshold
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = defaultConsensusThreshold
	}
	return c
}

// Evaluate computes a ConsensusResult from outputs, as of decidedAt.
// A role absent from outputs is treated as FAILED/CANCELLED/absent:
// a non-agreement, never a block (design §4.7 fault tolerance note),
// so consensus can still be reached if the remaining weighted mass
// clears the threshold.
func Evaluate(outputs map[incident.Role]incident.AgentOutput, cfg Config, decidedAt time.Time) incident.ConsensusResult {
	cfg = cfg.withDefaults()

	roles := make([]incident.Role, 0, len(cfg.Weights))
	for role := range cfg.Weights {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var weightedScore float64
	votes := make([]incident.Vote, 0, len(roles))
	for _, role := range roles {
		weight := cfg.Weights[role]
		out, present := outputs[role]

		agreed := present &&
			out.Status == incident.AgentCompleted &&
			out.Confidence >= cfg.AgreeThreshold &&
			out.GuardrailResult == incident.GuardrailPass

		confidence := 0.0
		if present {
			confidence = out.Confidence
		}

		if weight > 0 {
			if agreed {
				weightedScore += weight
			}
			votes = append(votes, incident.Vote{Role: role, Weight: weight, Confidence: confidence, Agreed: agreed})
		} else {
			// Informational role: recorded with weight 0, excluded
			// from the arithmetic.
			votes = append(votes, incident.Vote{Role: role, Weight: 0, Confidence: confidence, Agreed: agreed})
		}
	}

	approved := weightedScore >= cfg.ConsensusThreshold

	// Any RESOLUTION guardrail block forces rejection even if the
	// numeric threshold is otherwise met (design §4.8 failure classes).
	if out, ok := outputs[incident.RoleResolution]; ok && out.GuardrailResult == incident.GuardrailBlock {
		approved = false
	}

	return incident.ConsensusResult{
		WeightedScore: weightedScore,
		Threshold:     cfg.ConsensusThreshold,
		Approved:      approved,
		Votes:         votes,
		DecidedAt:     decidedAt,
	}
}
