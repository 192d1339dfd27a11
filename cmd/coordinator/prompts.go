package main

import (
	"fmt"
	"strings"

	"github.com/incident-commander/coordinator/pkg/incident"
)

// rolePrompt returns the agent.PromptBuilder for role: a short system
// prompt naming the role's job and a user prompt rendering the
// incident snapshot the way every role needs to see it (severity,
// fingerprint, alert sources, and what upstream roles already said).
func rolePrompt(role incident.Role) func(incident.Incident) (string, string) {
	system := rolePrompts[role]
	return func(snapshot incident.Incident) (string, string) {
		return system, renderSnapshot(snapshot)
	}
}

var rolePrompts = map[incident.Role]string{
	incident.RoleDetection: "You are the detection role of an incident response pipeline. " +
		"Decide whether the attached alerts describe a genuine incident and name the affected component.",
	incident.RoleDiagnosis: "You are the diagnosis role. Identify the most likely root cause " +
		"from the alerts and any prior agent output, citing the evidence you relied on.",
	incident.RolePrediction: "You are the prediction role. Estimate the blast radius and " +
		"likely trajectory of this incident if left unresolved.",
	incident.RoleResolution: "You are the resolution role. Propose the remediation action " +
		"most likely to resolve this incident, including any rollback token it needs.",
	incident.RoleCommunication: "You are the communication role. Summarize this incident and " +
		"its outcome in plain language for an on-call human audience.",
}

func renderSnapshot(snapshot incident.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "incident %s severity=%s phase=%s outcome=%s\n",
		snapshot.ID, snapshot.Severity, snapshot.Phase, snapshot.Outcome)
	for _, a := range snapshot.Alerts {
		fmt.Fprintf(&b, "alert source=%s received_at=%s\n", a.Source, a.ReceivedAt.Format("15:04:05"))
	}
	for r, out := range snapshot.AgentOutputs {
		if out.Status == incident.AgentCompleted {
			fmt.Fprintf(&b, "%s output (confidence=%.2f): %v\n", r, out.Confidence, out.Proposal)
		}
	}
	return b.String()
}
