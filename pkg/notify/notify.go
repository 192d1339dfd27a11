// Package notify delivers an incident's COMMUNICATION summary to a
// human-facing channel once the Orchestrator reaches a terminal or
// human-handoff phase. Delivery is always best-effort: a Notifier
// failure is logged and never fails the incident itself, matching the
// graceful-degradation behavior this coordinator's notification path
// is expected to exhibit under an unreachable or rate-limited channel.
package notify

import (
	"context"

	"github.com/incident-commander/coordinator/pkg/incident"
)

// Request carries everything a Notifier needs to render one message:
// the incident identity, its outcome, and the free-text summary the
// COMMUNICATION role produced.
type Request struct {
	IncidentID  string
	Severity    incident.Severity
	Fingerprint string
	Phase       string
	Outcome     string
	Summary     string
}

// Notifier delivers a Request to whatever channel it wraps. Implementations
// must be safe for concurrent use: the Orchestrator calls Notify from
// whichever worker stripe owns the incident, and different incidents run
// on different stripes concurrently.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// NoopNotifier is the zero-effort default: no channel is configured, so
// notification delivery is skipped entirely.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, req Request) error { return nil }
