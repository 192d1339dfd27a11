package incident

import "time"

// EventKind discriminates the Event tagged union (design §3).
type EventKind string

const (
	EventIncidentOpened  EventKind = "IncidentOpened"
	EventPhaseEntered    EventKind = "PhaseEntered"
	EventAgentStarted    EventKind = "AgentStarted"
	EventAgentCompleted  EventKind = "AgentCompleted"
	EventConsensusReached EventKind = "ConsensusReached"
	EventActionStarted   EventKind = "ActionStarted"
	EventActionFinished  EventKind = "ActionFinished"
	EventIncidentResolved EventKind = "IncidentResolved"
	EventIncidentFailed  EventKind = "IncidentFailed"
)

// Event is one immutable EventStore entry. Payload holds the
// kind-specific data (e.g. an AgentOutput for AgentCompleted, an Alert
// for IncidentOpened); the store does not interpret it.
type Event struct {
	IncidentID string
	Sequence   int64
	Kind       EventKind
	Timestamp  time.Time
	Payload    interface{}
}

// IncidentOpenedPayload is carried by an EventIncidentOpened event.
type IncidentOpenedPayload struct {
	Severity    Severity
	Fingerprint string
	Alert       Alert
}

// PhaseEnteredPayload is carried by an EventPhaseEntered event.
type PhaseEnteredPayload struct {
	Phase string
}

// AgentStartedPayload is carried by an EventAgentStarted event.
type AgentStartedPayload struct {
	Role Role
}

// AgentCompletedPayload is carried by an EventAgentCompleted event.
type AgentCompletedPayload struct {
	Output AgentOutput
}

// ConsensusReachedPayload is carried by an EventConsensusReached event.
type ConsensusReachedPayload struct {
	Result ConsensusResult
}

// ActionStartedPayload is carried by an EventActionStarted event.
type ActionStartedPayload struct {
	Action ExecutedAction
}

// ActionFinishedPayload is carried by an EventActionFinished event.
type ActionFinishedPayload struct {
	ActionID   string
	Outcome    ActionOutcome
	FinishedAt time.Time
}

// IncidentResolvedPayload is carried by an EventIncidentResolved event.
type IncidentResolvedPayload struct {
	ResolvedAt time.Time
}

// IncidentFailedPayload is carried by an EventIncidentFailed event.
type IncidentFailedPayload struct {
	Reason string
}
