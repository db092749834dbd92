package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/publisher"
	"github.com/GoCodeAlone/turnstile/task"
)

// Transition reasons.
const (
	ReasonTrigger        = "trigger"
	ReasonRetry          = "retry"
	ReasonGranted        = "granted"
	ReasonSnapshotFailed = "snapshot_failed"
	ReasonSnapshotBuilt  = "snapshot_built"
	ReasonRespond        = "respond"
	ReasonDeclined       = "declined"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonBackendError   = "backend_error"
	ReasonLeaseDenied    = "lease_denied"
	ReasonLeaseLost      = "lease_lost"
	ReasonLeaseError     = "lease_error"
	ReasonPublishFailed  = "publish_failed"
	ReasonPublished      = "published"
	ReasonCancelled      = "cancelled"
	ReasonClaimSettled   = "claim_settled"
	ReasonClaimLost      = "claim_lost"
	ReasonClaimError     = "claim_error"
)

// outcome of one pass through Evaluating..Decided.
type outcome int

const (
	finished outcome = iota
	timedOut
)

// Evaluate runs the full state machine for one trigger event and returns
// the task in its terminal state. It never returns an error: every failure
// ends in Silent, Superseded, or Aborted.
func (r *Runtime) Evaluate(ctx context.Context, trigger comms.Event) *task.Task {
	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	r.evaluated.Add(1)

	id := r.cfg.Identity
	tk := task.New(trigger.RoomID, trigger.Seq, id.AgentType, id.InstanceID)
	key := lease.Key{RoomID: trigger.RoomID, AgentType: id.AgentType, TriggerSeq: trigger.Seq}

	var claim claimState
	defer r.dropClaim(ctx, tk, key, &claim)

	reason := ReasonTrigger
	for {
		r.advance(ctx, tk, task.StateEvaluating, reason)
		if !r.enter(ctx, tk, key) {
			return tk
		}
		if !r.awaitClaim(ctx, tk, key, &claim) {
			return tk
		}
		if r.attempt(ctx, tk, key, &claim) == finished {
			return tk
		}
		if !r.superviseRetry(ctx, tk, key) {
			return tk
		}
		reason = ReasonRetry
	}
}

// enter runs the cheap gates at the top of Evaluating: membership first,
// then whether the trigger already has this agent type's answer.
func (r *Runtime) enter(ctx context.Context, tk *task.Task, key lease.Key) bool {
	if !r.cfg.Membership.IsMember(tk.InstanceID, tk.RoomID) {
		r.advance(ctx, tk, task.StateAborted, task.ReasonMembershipDenied)
		return false
	}
	if r.answered(ctx, tk, key, "") {
		return false
	}
	return true
}

// attempt runs one admission-guarded backend call and, on a respond
// decision, the lease and publish steps.
func (r *Runtime) attempt(ctx context.Context, tk *task.Task, key lease.Key, claim *claimState) outcome {
	tok, err := r.cfg.Admission.Acquire(ctx, admission.Request{
		RoomID:   tk.RoomID,
		TaskID:   tk.ID,
		Priority: r.cfg.Priority,
	})
	if err != nil {
		if errors.Is(err, admission.ErrRejected) {
			r.advance(ctx, tk, task.StateSilent, task.ReasonAdmissionRejected)
		} else {
			r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
		}
		return finished
	}
	r.advance(ctx, tk, task.StateGranted, ReasonGranted)

	// Another instance may have answered while this task sat in the queue.
	if r.answered(ctx, tk, key, "") {
		r.cfg.Admission.Release(tok)
		return finished
	}
	if !r.settleClaim(ctx, tk, key, claim) {
		r.cfg.Admission.Release(tok)
		return finished
	}

	dec, out, ok := r.call(ctx, tk, tok)
	if !ok {
		return out
	}

	r.logger.Debug("decision",
		slog.String("task_id", tk.ID),
		slog.Int64("trigger_seq", tk.TriggerSeq),
		slog.Bool("respond", dec.Respond),
		slog.Float64("confidence", dec.Confidence),
		slog.String("rationale", dec.Rationale))

	if !dec.Respond {
		r.advance(ctx, tk, task.StateDecided, ReasonDeclined)
		r.advance(ctx, tk, task.StateSilent, ReasonDeclined)
		return finished
	}
	r.advance(ctx, tk, task.StateDecided, ReasonRespond)
	r.respond(ctx, tk, key, dec.Reply)
	return finished
}

// call builds the snapshot and consults the backend under the token's
// budget. The token is always released before call returns. ok is false
// when the task already left Calling without a usable decision.
func (r *Runtime) call(ctx context.Context, tk *task.Task, tok *admission.Token) (provider.Decision, outcome, bool) {
	defer r.cfg.Admission.Release(tok)

	callCtx, cancel := tok.Bind(ctx)
	defer cancel()

	snap, err := r.cfg.Snapshots.Build(callCtx, tk.RoomID, tk.TriggerSeq)
	if err != nil {
		r.logger.Error("snapshot build failed",
			slog.String("task_id", tk.ID),
			slog.Int64("trigger_seq", tk.TriggerSeq),
			slog.String("error", err.Error()))
		r.advance(ctx, tk, task.StateAborted, ReasonSnapshotFailed)
		return provider.Decision{}, finished, false
	}
	r.advance(ctx, tk, task.StateCalling, ReasonSnapshotBuilt)

	persona := ""
	if r.cfg.Personality != nil {
		persona = r.cfg.Personality.SystemPrompt
	}
	dec, err := r.cfg.Decider.Decide(callCtx, provider.DecisionRequest{
		AgentType:  tk.AgentType,
		InstanceID: tk.InstanceID,
		Persona:    persona,
		Snapshot:   snap,
	})
	if err == nil {
		err = dec.Validate()
	}

	switch {
	case ctx.Err() != nil:
		r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
		return provider.Decision{}, finished, false
	case tok.Reclaimed() || errors.Is(err, provider.ErrBackendTimeout):
		// A late answer from a reclaimed slot is discarded.
		r.advance(ctx, tk, task.StateTimedOut, ReasonBudgetExceeded)
		return provider.Decision{}, timedOut, false
	case errors.Is(err, provider.ErrMalformedDecision):
		r.logger.Warn("malformed decision",
			slog.String("task_id", tk.ID),
			slog.Int64("trigger_seq", tk.TriggerSeq),
			slog.String("error", err.Error()))
		r.advance(ctx, tk, task.StateSilent, task.ReasonMalformedDecision)
		return provider.Decision{}, finished, false
	case err != nil:
		r.logger.Warn("backend call failed",
			slog.String("task_id", tk.ID),
			slog.Int64("trigger_seq", tk.TriggerSeq),
			slog.String("error", err.Error()))
		r.advance(ctx, tk, task.StateTimedOut, ReasonBackendError)
		return provider.Decision{}, timedOut, false
	}
	return dec, finished, true
}

// respond takes the lease, re-checks the room for an equivalent reply, and
// publishes.
func (r *Runtime) respond(ctx context.Context, tk *task.Task, key lease.Key, reply string) {
	l, err := r.cfg.Leases.TryAcquire(ctx, key, tk.ID)
	if err != nil {
		if errors.Is(err, lease.ErrDenied) {
			r.advance(ctx, tk, task.StateSuperseded, ReasonLeaseDenied)
		} else {
			r.logger.Error("lease acquire failed", slog.String("task_id", tk.ID), slog.String("error", err.Error()))
			r.advance(ctx, tk, task.StateAborted, ReasonLeaseError)
		}
		return
	}
	tk.LeaseToken = l.Token

	if r.answered(ctx, tk, key, reply) {
		r.release(tk, l)
		return
	}

	_, err = r.cfg.Publisher.Publish(ctx, publisher.Reply{
		RoomID:     tk.RoomID,
		AgentType:  tk.AgentType,
		InstanceID: tk.InstanceID,
		Content:    reply,
		InReplyTo:  tk.TriggerSeq,
		LeaseToken: l.Token,
	})
	if err != nil {
		r.release(tk, l)
		switch {
		case errors.Is(err, lease.ErrExpired), errors.Is(err, lease.ErrNotOwner):
			r.advance(ctx, tk, task.StateSuperseded, ReasonLeaseLost)
		default:
			r.logger.Error("publish failed", slog.String("task_id", tk.ID), slog.String("error", err.Error()))
			r.advance(ctx, tk, task.StateAborted, ReasonPublishFailed)
		}
		return
	}
	r.posted.Add(1)
	r.advance(ctx, tk, task.StatePosted, ReasonPublished)
}

// answered moves tk to Superseded and returns true if the trigger already
// has an equivalent reply. A failed check counts as not answered; the
// lease still guards the publish.
func (r *Runtime) answered(ctx context.Context, tk *task.Task, key lease.Key, content string) bool {
	ok, reason, err := r.cfg.Leases.Answered(ctx, key, content)
	if err != nil {
		r.logger.Error("answered check failed", slog.String("task_id", tk.ID), slog.String("error", err.Error()))
		return false
	}
	if ok {
		r.advance(ctx, tk, task.StateSuperseded, reason)
	}
	return ok
}

func (r *Runtime) release(tk *task.Task, l *lease.Lease) {
	if err := r.cfg.Leases.Release(context.Background(), l); err != nil {
		r.logger.Error("lease release failed", slog.String("task_id", tk.ID), slog.String("error", err.Error()))
	}
	tk.LeaseToken = ""
}

// advance applies a transition and records it. An invalid transition is a
// programming error; it is logged and the task is left unchanged.
func (r *Runtime) advance(ctx context.Context, tk *task.Task, to task.State, reason string) {
	tr, err := tk.Advance(to, reason)
	if err != nil {
		r.logger.Error("invalid task transition", slog.String("error", err.Error()))
		return
	}
	if err := r.cfg.Sink.Record(context.WithoutCancel(ctx), tr); err != nil {
		r.logger.Error("record transition failed",
			slog.String("task_id", tk.ID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
	}
}
