package api

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/incident-commander/coordinator/pkg/incident"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

var validate = validator.New()

// SubmitAlertRequest is the decoded payload of a SubmitAlert call.
// Severity must be one of the design §3 severities; Payload and Source
// are the alert body an upstream monitoring system sent.
type SubmitAlertRequest struct {
	Source      string `json:"source" validate:"required"`
	Severity    string `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Fingerprint string `json:"fingerprint" validate:"required,max=64"`
	Payload     []byte `json:"payload" validate:"required"`
	Signature   string `json:"signature"`
}

// SubmitAlertResponse acks an accepted alert with the incident it was
// attached to (new or deduplicated).
type SubmitAlertResponse struct {
	IncidentID string `json:"incidentId"`
}

// GetIncidentRequest names the incident to fetch.
type GetIncidentRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

// CancelIncidentRequest names the incident to cancel.
type CancelIncidentRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

// Ack is the generic acknowledgement response for calls that have
// nothing else to report beyond success.
type Ack struct {
	OK bool `json:"ok"`
}

// StreamIncidentsRequest opens a SubscriberHub subscription. An empty
// IncidentID streams every incident; a non-empty one filters to it.
type StreamIncidentsRequest struct {
	IncidentID string `json:"incidentId"`
}

// IncidentSnapshot is the wire form of incident.Incident: the same
// fields, JSON-tagged for stable wire names per design §6.
type IncidentSnapshot struct {
	ID                string                                  `json:"id"`
	Severity          incident.Severity                       `json:"severity"`
	Fingerprint       string                                  `json:"fingerprint"`
	Phase             string                                  `json:"phase"`
	Outcome           string                                  `json:"outcome"`
	CreatedAt         time.Time                               `json:"createdAt"`
	UpdatedAt         time.Time                               `json:"updatedAt"`
	ResolvedAt        *time.Time                              `json:"resolvedAt,omitempty"`
	AgentOutputs      map[incident.Role]incident.AgentOutput  `json:"agentOutputs"`
	ConsensusDecision *incident.ConsensusResult               `json:"consensusDecision,omitempty"`
	Actions           []incident.ExecutedAction               `json:"actions"`
	Version           int64                                   `json:"version"`
}

func toSnapshot(inc incident.Incident) IncidentSnapshot {
	snap := IncidentSnapshot{
		ID:                inc.ID,
		Severity:          inc.Severity,
		Fingerprint:       inc.Fingerprint,
		Phase:             string(inc.Phase),
		Outcome:           string(inc.Outcome),
		CreatedAt:         inc.CreatedAt,
		UpdatedAt:         inc.UpdatedAt,
		AgentOutputs:      inc.AgentOutputs,
		ConsensusDecision: inc.ConsensusDecision,
		Actions:           inc.Actions,
		Version:           inc.Version,
	}
	if !inc.ResolvedAt.IsZero() {
		t := inc.ResolvedAt
		snap.ResolvedAt = &t
	}
	return snap
}

// HealthReport is the Health() response: overall liveness plus a
// per-dependency readiness map (design §4.12).
type HealthReport struct {
	Alive        bool            `json:"alive"`
	Dependencies map[string]bool `json:"dependencies"`
}

// submitAlert validates req and forwards it to the Orchestrator.
func (s *Server) submitAlert(ctx context.Context, req SubmitAlertRequest) (SubmitAlertResponse, error) {
	if err := validate.Struct(req); err != nil {
		return SubmitAlertResponse{}, cerrors.New(cerrors.KindValidation, err.Error())
	}
	alert := incident.Alert{
		Source:     req.Source,
		ReceivedAt: s.cfg.Clock.Now(),
		Payload:    req.Payload,
		Signature:  req.Signature,
	}
	id, err := s.cfg.Orchestrator.SubmitAlert(ctx, incident.Severity(req.Severity), req.Fingerprint, alert)
	if err != nil {
		return SubmitAlertResponse{}, err
	}
	return SubmitAlertResponse{IncidentID: id}, nil
}

func (s *Server) getIncident(req GetIncidentRequest) (IncidentSnapshot, error) {
	if err := validate.Struct(req); err != nil {
		return IncidentSnapshot{}, cerrors.New(cerrors.KindValidation, err.Error())
	}
	inc, ok := s.cfg.Orchestrator.GetIncident(req.ID)
	if !ok {
		return IncidentSnapshot{}, cerrors.ErrNotFound
	}
	return toSnapshot(inc), nil
}

func (s *Server) cancelIncident(req CancelIncidentRequest) (Ack, error) {
	if err := validate.Struct(req); err != nil {
		return Ack{}, cerrors.New(cerrors.KindValidation, err.Error())
	}
	if err := s.cfg.Orchestrator.CancelIncident(req.ID); err != nil {
		return Ack{}, err
	}
	return Ack{OK: true}, nil
}

// getMetrics returns the MetricsService's current pull-queryable
// snapshot, or a zero-value one if no MetricsService was configured.
func (s *Server) getMetrics() interface{} {
	if s.cfg.Metrics == nil {
		return struct{}{}
	}
	return s.cfg.Metrics.Snapshot()
}

// health reports liveness plus per-dependency readiness. The EventStore
// dependency is probed with a bounded, cheap Read against a reserved
// incident id that is never actually opened by any real alert.
const healthProbeIncidentID = "__health__"

func (s *Server) health(ctx context.Context) HealthReport {
	deps := map[string]bool{}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.cfg.Store.Read(storeCtx, healthProbeIncidentID, 0, 1)
	deps["eventstore"] = err == nil

	deps["bus"] = s.cfg.Bus != nil
	deps["hub"] = s.cfg.Hub != nil

	// Liveness only means the process can answer at all; readiness of
	// individual dependencies is reported separately in Dependencies.
	return HealthReport{Alive: true, Dependencies: deps}
}
