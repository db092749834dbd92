package agent

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/task"
)

// superviseRetry decides what follows TimedOut. It returns true when the
// task should re-enter Evaluating. Retries never touch admission or the
// backend once the trigger has been answered.
func (r *Runtime) superviseRetry(ctx context.Context, tk *task.Task, key lease.Key) bool {
	retry := tk.Attempt // attempts so far; the next retry is number Attempt
	if retry > r.cfg.Retry.MaxRetries {
		r.logger.Warn("retries exhausted",
			slog.String("task_id", tk.ID),
			slog.String("room_id", tk.RoomID),
			slog.Int64("trigger_seq", tk.TriggerSeq),
			slog.Int("attempt", tk.Attempt))
		r.advance(ctx, tk, task.StateAborted, task.ReasonRetriesExhausted)
		return false
	}
	if r.answered(ctx, tk, key, "") {
		return false
	}
	if err := sleep(ctx, r.cfg.Retry.Backoff(retry)); err != nil {
		r.advance(ctx, tk, task.StateAborted, ReasonCancelled)
		return false
	}
	if r.answered(ctx, tk, key, "") {
		return false
	}
	return true
}
