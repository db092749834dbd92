package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/task"
)

// claimState tracks this task's hold on the type's evaluation claim.
type claimState struct {
	held    bool
	settled bool
}

// awaitClaim blocks until the task holds the evaluation claim for its
// trigger, polling while a sibling holds it. It returns false after moving
// tk to a terminal state: Superseded when the trigger is answered or a
// sibling has already called the backend for it.
func (r *Runtime) awaitClaim(ctx context.Context, tk *task.Task, key lease.Key, claim *claimState) bool {
	if r.cfg.Claims == nil {
		return true
	}
	for waited := false; ; waited = true {
		st, err := r.cfg.Claims.Claim(ctx, key, tk.ID)
		switch {
		case err != nil && ctx.Err() != nil:
			r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
			return false
		case err != nil:
			r.logger.Error("evaluation claim failed",
				slog.String("task_id", tk.ID),
				slog.String("claim", key.String()),
				slog.String("error", err.Error()))
			r.advance(ctx, tk, task.StateAborted, ReasonClaimError)
			return false
		case st == lease.ClaimGranted:
			claim.held = true
			if waited {
				r.logger.Debug("evaluation claim acquired after waiting",
					slog.String("task_id", tk.ID),
					slog.String("claim", key.String()))
			}
			return true
		case st == lease.ClaimSettled:
			r.advance(ctx, tk, task.StateSuperseded, ReasonClaimSettled)
			return false
		}

		if err := sleep(ctx, r.cfg.ClaimPoll); err != nil {
			r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
			return false
		}
		if r.answered(ctx, tk, key, "") {
			return false
		}
	}
}

// settleClaim makes the claim permanent before the first backend call. A
// task that lost its claim while queued steps aside as Superseded.
func (r *Runtime) settleClaim(ctx context.Context, tk *task.Task, key lease.Key, claim *claimState) bool {
	if r.cfg.Claims == nil || claim.settled {
		return true
	}
	err := r.cfg.Claims.Settle(ctx, key, tk.ID)
	switch {
	case err == nil:
		claim.settled = true
		return true
	case errors.Is(err, lease.ErrClaimLost):
		claim.held = false
		r.advance(ctx, tk, task.StateSuperseded, ReasonClaimLost)
	case ctx.Err() != nil:
		r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
	default:
		r.logger.Error("settle evaluation claim failed",
			slog.String("task_id", tk.ID),
			slog.String("claim", key.String()),
			slog.String("error", err.Error()))
		r.advance(ctx, tk, task.StateAborted, ReasonClaimError)
	}
	return false
}

// dropClaim hands an unsettled claim back when the task ends without
// having called the backend. Settled claims stay.
func (r *Runtime) dropClaim(ctx context.Context, tk *task.Task, key lease.Key, claim *claimState) {
	if r.cfg.Claims == nil || !claim.held || claim.settled {
		return
	}
	if err := r.cfg.Claims.Release(context.WithoutCancel(ctx), key, tk.ID); err != nil {
		r.logger.Error("release evaluation claim failed",
			slog.String("task_id", tk.ID),
			slog.String("claim", key.String()),
			slog.String("error", err.Error()))
	}
}
