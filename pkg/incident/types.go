// Package incident holds the root Incident aggregate and the value
// types it is built from (design §3). The Orchestrator is the sole
// mutator; every other component only ever reads a snapshot or appends
// an AgentOutput/ExecutedAction the Orchestrator integrates.
package incident

import (
	"time"

	"github.com/incident-commander/coordinator/pkg/incident/phase"
)

// Severity classifies how urgently an incident needs attention.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Role is one of the five specialized agent roles design §3 names.
type Role string

const (
	RoleDetection     Role = "DETECTION"
	RoleDiagnosis     Role = "DIAGNOSIS"
	RolePrediction    Role = "PREDICTION"
	RoleResolution    Role = "RESOLUTION"
	RoleCommunication Role = "COMMUNICATION"
)

// AgentStatus is the lifecycle of a single agent run.
type AgentStatus string

const (
	AgentPending   AgentStatus = "PENDING"
	AgentRunning   AgentStatus = "RUNNING"
	AgentCompleted AgentStatus = "COMPLETED"
	AgentFailed    AgentStatus = "FAILED"
	AgentCancelled AgentStatus = "CANCELLED"
)

// GuardrailVerdict is the outcome of a guardrail policy check.
type GuardrailVerdict string

const (
	GuardrailPass  GuardrailVerdict = "PASS"
	GuardrailBlock GuardrailVerdict = "BLOCK"
)

// ActionOutcome is the terminal state of an ExecutedAction.
type ActionOutcome string

const (
	ActionPending    ActionOutcome = "PENDING"
	ActionSucceeded  ActionOutcome = "SUCCEEDED"
	ActionFailed     ActionOutcome = "FAILED"
	ActionRolledBack ActionOutcome = "ROLLED_BACK"
)

// Alert is immutable after receipt.
type Alert struct {
	Source     string
	ReceivedAt time.Time
	Payload    []byte
	Signature  string
}

// EvidenceRef cites the material an agent drew its proposal from.
type EvidenceRef struct {
	SourceID   string
	Similarity float64
	Excerpt    string
}

// AgentOutput is emitted by a single agent run (design §3, §4.6).
type AgentOutput struct {
	Role            Role
	Status          AgentStatus
	Confidence      float64
	Proposal        interface{}
	Evidence        []EvidenceRef
	GuardrailResult GuardrailVerdict
	GuardrailReason string
	GuardrailPolicyRef string
	LatencyMs       int64
	TokensIn        int64
	TokensOut       int64
	CostMicros      int64
}

// Vote is one role's contribution to a ConsensusResult.
type Vote struct {
	Role    Role
	Weight  float64
	Confidence float64
	Agreed  bool
}

// ConsensusResult is the outcome of weighted Byzantine voting (design §4.7).
type ConsensusResult struct {
	WeightedScore float64
	Threshold     float64
	Approved      bool
	Votes         []Vote
	DecidedAt     time.Time
}

// ExecutedAction records one remediation action taken in RESOLVING.
type ExecutedAction struct {
	ID            string
	Kind          string
	StartedAt     time.Time
	FinishedAt    time.Time
	Outcome       ActionOutcome
	RollbackToken string
}

// Incident is the root aggregate. The Orchestrator is its only mutator;
// every mutation increments Version (design §3 invariant).
type Incident struct {
	ID                string
	Severity          Severity
	Fingerprint       string
	Phase             phase.Phase
	Outcome           phase.Outcome
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        time.Time
	Alerts            []Alert
	AgentOutputs      map[Role]AgentOutput
	ConsensusDecision *ConsensusResult
	Actions           []ExecutedAction
	Labels            map[string]string
	Version           int64
}

// Clone returns a deep-enough copy for safe external snapshotting: the
// maps and slices are copied so a reader can never observe a mutation
// racing with the Orchestrator's owning goroutine.
func (inc Incident) Clone() Incident {
	out := inc
	out.Alerts = append([]Alert(nil), inc.Alerts...)
	out.Actions = append([]ExecutedAction(nil), inc.Actions...)
	out.AgentOutputs = make(map[Role]AgentOutput, len(inc.AgentOutputs))
	for k, v := range inc.AgentOutputs {
		out.AgentOutputs[k] = v
	}
	out.Labels = make(map[string]string, len(inc.Labels))
	for k, v := range inc.Labels {
		out.Labels[k] = v
	}
	if inc.ConsensusDecision != nil {
		cd := *inc.ConsensusDecision
		cd.Votes = append([]Vote(nil), inc.ConsensusDecision.Votes...)
		out.ConsensusDecision = &cd
	}
	return out
}
