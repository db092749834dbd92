// Package admission bounds concurrent calls into the inference backend.
//
// A Controller hands out at most MaxConcurrent tokens. Excess requests wait
// in a priority queue for at most MaxWait and are then rejected, never
// blocked indefinitely. Every token carries a hard budget: when it elapses
// the controller reclaims the slot and cancels the holder's context even if
// the backend call has not returned.
package admission

import (
	"context"
	"errors"
	"time"
)

// Priority orders waiting requests. Higher values are served first; equal
// priorities are served in arrival order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

var (
	// ErrRejected is returned when no slot could be granted in time.
	// Callers treat it as "stay silent this round".
	ErrRejected = errors.New("admission: rejected")
	// ErrBudgetExceeded is the cancellation cause of a context bound to a
	// reclaimed token.
	ErrBudgetExceeded = errors.New("admission: token budget exceeded")
)

// Request describes who is asking for a slot.
type Request struct {
	RoomID   string
	TaskID   string
	Priority Priority
}

// Token is one granted slot.
type Token struct {
	ID           string        `json:"id"`
	HolderTaskID string        `json:"holder_task_id"`
	RoomID       string        `json:"room_id"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	Budget       time.Duration `json:"budget"`

	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	released  bool // guarded by Controller.mu
	reclaimed bool // guarded by Controller.mu
	ctrl      *Controller
}

// Deadline is the hard wall-clock ceiling of the token.
func (t *Token) Deadline() time.Time { return t.AcquiredAt.Add(t.Budget) }

// Done is closed when the token is released or reclaimed.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Reclaimed reports whether the budget elapsed before the holder released.
func (t *Token) Reclaimed() bool {
	t.ctrl.mu.Lock()
	defer t.ctrl.mu.Unlock()
	return t.reclaimed
}

// Bind derives a context from parent that ends when the token is released
// or reclaimed. After a reclaim its cause is ErrBudgetExceeded and
// Reclaimed already reports true.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(t.ctx, func() {
		if t.Reclaimed() {
			cancel(ErrBudgetExceeded)
			return
		}
		cancel(context.Canceled)
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
