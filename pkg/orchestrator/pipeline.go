package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/incident-commander/coordinator/pkg/bus"
	"github.com/incident-commander/coordinator/pkg/consensus"
	"github.com/incident-commander/coordinator/pkg/incident"
	"github.com/incident-commander/coordinator/pkg/incident/phase"
	"github.com/incident-commander/coordinator/pkg/notify"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
	"github.com/incident-commander/coordinator/pkg/sharedutil/logging"
	"github.com/incident-commander/coordinator/pkg/sharedutil/tracing"
)

// agentUpdateTopic is the MessageBus topic every AgentCompleted event
// is mirrored onto (design §4.8 step 3).
const agentUpdateTopic = "agent.update"

// appendEvent writes one event for st's incident, retrying on an
// EventStore conflict by re-reading the store's actual tail sequence
// (design §4.8 failure classes: "re-read, re-apply, retry at most 3
// times; persistent conflict is a fatal error for the incident").
// On success it mirrors the event onto the SubscriberHub and, for
// AgentCompleted events, onto the MessageBus's agent.update topic.
func (o *Orchestrator) appendEvent(ctx context.Context, st *incidentState, kind incident.EventKind, payload interface{}) (incident.Event, error) {
	st.mu.Lock()
	expected := st.nextSeq
	st.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < o.cfg.EventStoreRetryMax; attempt++ {
		ev := incident.Event{IncidentID: st.inc.ID, Kind: kind, Timestamp: o.cfg.Clock.Now(), Payload: payload}
		newSeq, err := o.cfg.Store.Append(ctx, st.inc.ID, expected, []incident.Event{ev})
		if err == nil {
			ev.Sequence = expected
			st.mu.Lock()
			st.nextSeq = newSeq
			st.mu.Unlock()

			if o.cfg.Hub != nil {
				o.cfg.Hub.Publish(ev)
			}
			if o.cfg.Bus != nil && kind == incident.EventAgentCompleted {
				_ = o.cfg.Bus.Publish(bus.Message{Topic: agentUpdateTopic, Priority: bus.MEDIUM, Payload: ev})
			}
			return ev, nil
		}

		lastErr = err
		if !cerrors.Is(err, cerrors.KindConflict) {
			return incident.Event{}, err
		}

		existing, rerr := o.cfg.Store.Read(ctx, st.inc.ID, 0, 0)
		if rerr == nil {
			expected = int64(len(existing))
		}
	}
	o.cfg.Logger.WithFields(logging.IncidentFields(st.inc.ID, string(st.inc.Phase)).Error(lastErr).ToLogrus()).
		Error("event store append failed after exhausting the conflict-retry budget")
	return incident.Event{}, lastErr
}

func (o *Orchestrator) enterPhase(ctx context.Context, st *incidentState, next phase.Phase) error {
	ctx, span := tracing.Tracer().Start(ctx, "incident.phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident.id", st.inc.ID),
		attribute.String("incident.phase", string(next)),
	)

	now := o.cfg.Clock.Now()
	st.mu.Lock()
	err := st.inc.AdvanceTo(next, now)
	st.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	_, err = o.appendEvent(ctx, st, incident.EventPhaseEntered, incident.PhaseEnteredPayload{Phase: string(next)})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// runRole invokes role's AgentRunner against a snapshot of st's
// incident, bounded by the global concurrency semaphore, and records
// the resulting output (AgentStarted then AgentCompleted events).
func (o *Orchestrator) runRole(ctx context.Context, st *incidentState, role incident.Role) incident.AgentOutput {
	ctx, span := tracing.Tracer().Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident.id", st.inc.ID),
		attribute.String("agent.role", string(role)),
	)

	_, _ = o.appendEvent(ctx, st, incident.EventAgentStarted, incident.AgentStartedPayload{Role: role})

	runner, ok := o.cfg.Runners[role]
	if !ok || runner == nil {
		out := incident.AgentOutput{Role: role, Status: incident.AgentFailed, GuardrailResult: incident.GuardrailPass,
			GuardrailReason: "no runner configured for role " + string(role)}
		o.recordAgentOutput(ctx, st, out)
		span.SetStatus(codes.Error, out.GuardrailReason)
		return out
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		out := incident.AgentOutput{Role: role, Status: incident.AgentCancelled, GuardrailResult: incident.GuardrailPass,
			GuardrailReason: err.Error()}
		o.recordAgentOutput(ctx, st, out)
		span.SetStatus(codes.Error, err.Error())
		return out
	}
	defer o.sem.Release(1)

	st.mu.Lock()
	snapshot := st.inc.Clone()
	st.mu.Unlock()

	out := runner.Run(ctx, snapshot)
	o.recordAgentOutput(ctx, st, out)
	span.SetAttributes(attribute.String("agent.status", string(out.Status)))
	logFields := logging.AgentFields(string(role), string(out.Status)).ToLogrus()
	if out.Status == incident.AgentFailed {
		span.SetStatus(codes.Error, out.GuardrailReason)
		o.cfg.Logger.WithFields(logFields).WithField("reason", out.GuardrailReason).Warn("agent run failed")
	} else {
		o.cfg.Logger.WithFields(logFields).Debug("agent run completed")
	}
	return out
}

// notifyCommunication delivers the COMMUNICATION role's output through
// the configured Notifier on a best-effort basis: delivery failure is
// logged, never treated as an incident failure (design's notification
// path degrades gracefully rather than blocking remediation).
func (o *Orchestrator) notifyCommunication(ctx context.Context, st *incidentState, out incident.AgentOutput) {
	if out.Status != incident.AgentCompleted {
		return
	}
	summary, _ := out.Proposal.(string)

	st.mu.Lock()
	req := notify.Request{
		IncidentID:  st.inc.ID,
		Severity:    st.inc.Severity,
		Fingerprint: st.inc.Fingerprint,
		Phase:       string(st.inc.Phase),
		Outcome:     string(st.inc.Outcome),
		Summary:     summary,
	}
	st.mu.Unlock()

	if err := o.cfg.Notifier.Notify(ctx, req); err != nil {
		o.cfg.Logger.WithFields(logging.IncidentFields(st.inc.ID, req.Phase).Error(err).ToLogrus()).
			Warn("notification delivery failed; continuing without it")
	}
}

func (o *Orchestrator) recordAgentOutput(ctx context.Context, st *incidentState, out incident.AgentOutput) {
	now := o.cfg.Clock.Now()
	st.mu.Lock()
	st.inc.SetAgentOutput(out, now)
	st.mu.Unlock()
	_, _ = o.appendEvent(ctx, st, incident.EventAgentCompleted, incident.AgentCompletedPayload{Output: out})
}

// runPipeline drives one incident through its entire phase pipeline
// (design §4.8), from DETECTING through to a terminal CLOSED outcome.
// It runs on the incident's worker stripe; nothing else touches this
// incident's aggregate concurrently.
func (o *Orchestrator) runPipeline(ctx context.Context, st *incidentState) {
	if err := o.enterPhase(ctx, st, phase.Detecting); err != nil {
		o.fail(st, err)
		return
	}
	o.runRole(ctx, st, incident.RoleDetection)
	if ctx.Err() != nil {
		o.closeCancelled(st)
		return
	}

	if err := o.enterPhase(ctx, st, phase.Diagnosing); err != nil {
		o.fail(st, err)
		return
	}
	o.runRole(ctx, st, incident.RoleDiagnosis)
	if ctx.Err() != nil {
		o.closeCancelled(st)
		return
	}

	if err := o.enterPhase(ctx, st, phase.Predicting); err != nil {
		o.fail(st, err)
		return
	}
	o.runRole(ctx, st, incident.RolePrediction)
	if ctx.Err() != nil {
		o.closeCancelled(st)
		return
	}

	if err := o.enterPhase(ctx, st, phase.Consensus); err != nil {
		o.fail(st, err)
		return
	}

	st.mu.Lock()
	outputs := make(map[incident.Role]incident.AgentOutput, len(st.inc.AgentOutputs))
	for k, v := range st.inc.AgentOutputs {
		outputs[k] = v
	}
	st.mu.Unlock()

	result := consensus.Evaluate(outputs, o.cfg.Consensus, o.cfg.Clock.Now())
	o.cfg.Logger.WithFields(logging.ConsensusFields(st.inc.ID, result.Approved, result.WeightedScore).ToLogrus()).
		Info("consensus decision reached")
	st.mu.Lock()
	st.inc.SetConsensus(result, o.cfg.Clock.Now())
	st.mu.Unlock()
	if _, err := o.appendEvent(ctx, st, incident.EventConsensusReached, incident.ConsensusReachedPayload{Result: result}); err != nil {
		o.fail(st, err)
		return
	}

	// COMMUNICATION always runs after CONSENSUS, approved or not: its
	// human-readable summary is attached regardless of outcome.
	if result.Approved {
		o.runApproved(ctx, st)
	} else {
		o.runRejected(ctx, st)
	}
}

func (o *Orchestrator) runApproved(ctx context.Context, st *incidentState) {
	if err := o.enterPhase(ctx, st, phase.Resolving); err != nil {
		o.fail(st, err)
		return
	}

	var resOut, commOut incident.AgentOutput
	var eg errgroup.Group
	eg.Go(func() error {
		resOut = o.runRole(ctx, st, incident.RoleResolution)
		return nil
	})
	eg.Go(func() error {
		commOut = o.runRole(ctx, st, incident.RoleCommunication)
		return nil
	})
	_ = eg.Wait()
	o.notifyCommunication(ctx, st, commOut)

	actionErr := o.executeResolution(ctx, st, resOut)

	if err := o.enterPhase(ctx, st, phase.Communicating); err != nil {
		o.fail(st, err)
		return
	}

	if ctx.Err() != nil {
		o.closeCancelled(st)
		return
	}
	if actionErr != nil {
		o.fail(st, actionErr)
		return
	}
	o.closeResolved(st)
}

func (o *Orchestrator) runRejected(ctx context.Context, st *incidentState) {
	if err := o.enterPhase(ctx, st, phase.AwaitingHuman); err != nil {
		o.fail(st, err)
		return
	}
	commOut := o.runRole(ctx, st, incident.RoleCommunication)
	o.notifyCommunication(ctx, st, commOut)
	if ctx.Err() != nil {
		o.closeCancelled(st)
		return
	}
	o.closeRejected(st)
}

// executeResolution records and runs the one remediation action a
// RESOLUTION output implies, retrying a failing action under the
// shared backoff policy up to its retry budget; on final failure it
// issues a best-effort rollback if a token is available (design §4.8
// step 5 / Open Question #2).
func (o *Orchestrator) executeResolution(ctx context.Context, st *incidentState, resOut incident.AgentOutput) error {
	now := o.cfg.Clock.Now()
	action := incident.ExecutedAction{
		ID:        o.cfg.IDGen.NewID("action"),
		Kind:      "remediate:" + string(resOut.Role),
		StartedAt: now,
		Outcome:   incident.ActionPending,
	}
	st.mu.Lock()
	st.inc.AppendAction(action, now)
	st.mu.Unlock()
	_, _ = o.appendEvent(ctx, st, incident.EventActionStarted, incident.ActionStartedPayload{Action: action})

	var lastErr error
	policy := o.cfg.ActionRetryPolicy
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if err := o.cfg.Actions.Execute(ctx, action); err != nil {
			lastErr = err
			if attempt == policy.MaxAttempts || !cerrors.IsRetryable(err) {
				break
			}
			if sleepErr := policy.Sleep(ctx, attempt, o.cfg.Rand); sleepErr != nil {
				lastErr = sleepErr
				break
			}
			continue
		}
		lastErr = nil
		break
	}

	finishedAt := o.cfg.Clock.Now()
	outcome := incident.ActionSucceeded
	if lastErr != nil {
		outcome = incident.ActionFailed
		if action.RollbackToken != "" {
			if rerr := o.cfg.Actions.Rollback(context.Background(), action.RollbackToken); rerr == nil {
				outcome = incident.ActionRolledBack
			}
		}
	}

	st.mu.Lock()
	st.inc.UpdateAction(action.ID, outcome, finishedAt, finishedAt)
	st.mu.Unlock()
	_, _ = o.appendEvent(ctx, st, incident.EventActionFinished, incident.ActionFinishedPayload{
		ActionID: action.ID, Outcome: outcome, FinishedAt: finishedAt,
	})
	return lastErr
}

// closeResolved, closeRejected, fail, and closeCancelled are the four
// terminal transitions. They always write their terminal event with
// context.Background() rather than the incident's own (possibly
// already-cancelled) context, since a terminal write should durably
// land even when the triggering context is the one that just expired.
func (o *Orchestrator) closeResolved(st *incidentState) {
	now := o.cfg.Clock.Now()
	st.mu.Lock()
	err := st.inc.Resolve(now)
	st.mu.Unlock()
	if err != nil {
		o.fail(st, err)
		return
	}
	_, _ = o.appendEvent(context.Background(), st, incident.EventIncidentResolved, incident.IncidentResolvedPayload{ResolvedAt: now})
	o.forgetFingerprint(st)
}

func (o *Orchestrator) closeRejected(st *incidentState) {
	now := o.cfg.Clock.Now()
	st.mu.Lock()
	err := st.inc.Reject(now)
	st.mu.Unlock()
	if err != nil {
		o.fail(st, err)
		return
	}
	_, _ = o.appendEvent(context.Background(), st, incident.EventIncidentFailed, incident.IncidentFailedPayload{Reason: "consensus rejected"})
	o.forgetFingerprint(st)
}

func (o *Orchestrator) closeCancelled(st *incidentState) {
	now := o.cfg.Clock.Now()
	st.mu.Lock()
	err := st.inc.Cancel(now)
	st.mu.Unlock()
	if err != nil {
		return // already terminal; nothing to do
	}
	_, _ = o.appendEvent(context.Background(), st, incident.EventIncidentFailed, incident.IncidentFailedPayload{Reason: "cancelled"})
	o.forgetFingerprint(st)
}

func (o *Orchestrator) fail(st *incidentState, cause error) {
	o.cfg.Logger.WithFields(logging.IncidentFields(st.inc.ID, string(st.inc.Phase)).Error(cause).ToLogrus()).
		Error("incident failed unrecoverably")
	now := o.cfg.Clock.Now()
	st.mu.Lock()
	err := st.inc.Fail(now)
	st.mu.Unlock()
	if err != nil {
		return // already terminal
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, _ = o.appendEvent(context.Background(), st, incident.EventIncidentFailed, incident.IncidentFailedPayload{Reason: reason})
	o.forgetFingerprint(st)
}

func (o *Orchestrator) forgetFingerprint(st *incidentState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fp := st.inc.Fingerprint; o.fingerprintIndex[fp] == st.inc.ID {
		delete(o.fingerprintIndex, fp)
		delete(o.lastSeen, fp)
	}
}
