package incident

import (
	"time"

	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/incident-commander/coordinator/pkg/incident/phase"
)

// New starts a fresh Incident in phase Open for the given alert.
// Mutation past this point is exclusively the Orchestrator's
// responsibility (design §3 "Ownership"); this constructor does not
// itself write an IncidentOpened event.
func New(id string, severity Severity, fingerprint string, first Alert, now time.Time) *Incident {
	return &Incident{
		ID:           id,
		Severity:     severity,
		Fingerprint:  fingerprint,
		Phase:        phase.Open,
		CreatedAt:    now,
		UpdatedAt:    now,
		Alerts:       []Alert{first},
		AgentOutputs: make(map[Role]AgentOutput),
		Labels:       make(map[string]string),
	}
}

// AdvanceTo moves the incident to newPhase, enforcing the declared
// state machine and the "no mutation once resolved" invariant (design
// §3). Every successful call increments Version and bumps UpdatedAt.
func (inc *Incident) AdvanceTo(newPhase phase.Phase, now time.Time) error {
	if !inc.ResolvedAt.IsZero() {
		return cerrors.New(cerrors.KindConflict, "incident is already resolved, phase cannot advance")
	}
	if !phase.CanTransition(inc.Phase, newPhase) {
		return cerrors.New(cerrors.KindValidation,
			"illegal phase transition from "+string(inc.Phase)+" to "+string(newPhase))
	}
	inc.Phase = newPhase
	inc.touch(now)
	return nil
}

// AttachAlert appends a new alert to an already-open incident
// (deduplication by fingerprint, design §4.8 step 1).
func (inc *Incident) AttachAlert(a Alert, now time.Time) {
	inc.Alerts = append(inc.Alerts, a)
	inc.touch(now)
}

// SetAgentOutput records the most recent output for a role; older
// outputs are retained only in EventStore, per design §3.
func (inc *Incident) SetAgentOutput(out AgentOutput, now time.Time) {
	if inc.AgentOutputs == nil {
		inc.AgentOutputs = make(map[Role]AgentOutput)
	}
	inc.AgentOutputs[out.Role] = out
	inc.touch(now)
}

// SetConsensus records the latest ConsensusResult.
func (inc *Incident) SetConsensus(result ConsensusResult, now time.Time) {
	inc.ConsensusDecision = &result
	inc.touch(now)
}

// AppendAction records a newly started action.
func (inc *Incident) AppendAction(a ExecutedAction, now time.Time) {
	inc.Actions = append(inc.Actions, a)
	inc.touch(now)
}

// UpdateAction finds the action by id and applies outcome/finishedAt.
// It is a no-op (other than touch) if no action with that id exists,
// since that indicates the caller raced with an unrelated mutation
// rather than a real usage error.
func (inc *Incident) UpdateAction(id string, outcome ActionOutcome, finishedAt time.Time, now time.Time) {
	for i := range inc.Actions {
		if inc.Actions[i].ID == id {
			inc.Actions[i].Outcome = outcome
			inc.Actions[i].FinishedAt = finishedAt
			break
		}
	}
	inc.touch(now)
}

// Resolve closes the incident as resolved: phase -> Closed, ResolvedAt
// set, Outcome recorded. Per design §3, once ResolvedAt is non-zero no
// further phase mutation is permitted.
func (inc *Incident) Resolve(now time.Time) error {
	return inc.close(phase.OutcomeResolved, now)
}

// Reject closes the incident after a rejected consensus and no human
// override (design's AWAITING_HUMAN -> CLOSED(rejected) path).
func (inc *Incident) Reject(now time.Time) error {
	return inc.close(phase.OutcomeRejected, now)
}

// Fail closes the incident on an unrecoverable error from any phase.
func (inc *Incident) Fail(now time.Time) error {
	return inc.close(phase.OutcomeFailed, now)
}

// Cancel closes the incident on external cancellation.
func (inc *Incident) Cancel(now time.Time) error {
	return inc.close(phase.OutcomeCancelled, now)
}

func (inc *Incident) close(outcome phase.Outcome, now time.Time) error {
	if err := inc.AdvanceTo(phase.Closed, now); err != nil {
		return err
	}
	inc.Outcome = outcome
	inc.ResolvedAt = now
	return nil
}

func (inc *Incident) touch(now time.Time) {
	inc.UpdatedAt = now
	inc.Version++
}
