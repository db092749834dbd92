// Package snapshot builds causally bounded views of a room's history.
//
// A snapshot is always derived from the trigger's sequence number and
// never from "now": it contains only events with Seq <= TriggerSeq, so an
// evaluator cannot see answers that were posted after the message it is
// deciding about, no matter how many publishes race the build.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/turnstile/comms"
)

const (
	defaultWindow    = 20
	defaultMaxTokens = 8_000
)

var (
	// ErrFutureTrigger means the trigger Seq has not been published yet.
	ErrFutureTrigger = errors.New("snapshot: trigger not yet in log")
	// ErrInvalidTrigger means the trigger Seq is not positive.
	ErrInvalidTrigger = errors.New("snapshot: invalid trigger seq")
)

// Snapshot is an immutable, causally bounded view of recent history.
type Snapshot struct {
	roomID     string
	triggerSeq int64
	events     []comms.Event
	truncated  bool
}

// RoomID returns the room the snapshot was taken from.
func (s *Snapshot) RoomID() string { return s.roomID }

// TriggerSeq returns the causal bound of the snapshot.
func (s *Snapshot) TriggerSeq() int64 { return s.triggerSeq }

// Len returns the number of events in the snapshot.
func (s *Snapshot) Len() int { return len(s.events) }

// Truncated reports whether older events were trimmed to fit the token budget.
func (s *Snapshot) Truncated() bool { return s.truncated }

// Events returns a copy of the events in ascending Seq order.
func (s *Snapshot) Events() []comms.Event {
	out := make([]comms.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Trigger returns the triggering event, which is always the last event.
func (s *Snapshot) Trigger() comms.Event {
	return s.events[len(s.events)-1]
}

// Equal reports whether two snapshots hold the same bound and events.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.roomID != o.roomID || s.triggerSeq != o.triggerSeq || len(s.events) != len(o.events) {
		return false
	}
	for i := range s.events {
		if s.events[i].ID != o.events[i].ID || s.events[i].Seq != o.events[i].Seq {
			return false
		}
	}
	return true
}

// Config bounds the size of built snapshots.
type Config struct {
	// Window is the maximum number of events (K), trigger included.
	// Default: 20.
	Window int
	// MaxTokens caps the estimated token count; older events are trimmed
	// first and the trigger is always kept. Default: 8000.
	MaxTokens int
}

// Builder materializes snapshots from a comms.Log.
type Builder struct {
	log       comms.Log
	window    int
	maxTokens int
}

// NewBuilder creates a Builder. Zero values in cfg are replaced with defaults.
func NewBuilder(log comms.Log, cfg Config) *Builder {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Builder{log: log, window: cfg.Window, maxTokens: cfg.MaxTokens}
}

// Build returns the last Window events with Seq <= triggerSeq. The result
// is deterministic for a given (roomID, triggerSeq).
func (b *Builder) Build(ctx context.Context, roomID string, triggerSeq int64) (*Snapshot, error) {
	if triggerSeq <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTrigger, triggerSeq)
	}
	events, err := b.log.Range(ctx, roomID, triggerSeq, b.window)
	if err != nil {
		return nil, fmt.Errorf("build snapshot %s@%d: %w", roomID, triggerSeq, err)
	}
	if len(events) == 0 || events[len(events)-1].Seq != triggerSeq {
		return nil, fmt.Errorf("%w: room %s seq %d", ErrFutureTrigger, roomID, triggerSeq)
	}

	kept, truncated := fitBudget(events, b.maxTokens)
	return &Snapshot{
		roomID:     roomID,
		triggerSeq: triggerSeq,
		events:     kept,
		truncated:  truncated,
	}, nil
}

// Replies returns the agent events published after triggerSeq that answer
// it (InReplyTo == triggerSeq). This is the one read that deliberately
// looks past the causal bound; it feeds duplicate detection, never an
// evaluator's view.
func (b *Builder) Replies(ctx context.Context, roomID string, triggerSeq int64) ([]comms.Event, error) {
	after, err := b.log.After(ctx, roomID, triggerSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("replies to %s@%d: %w", roomID, triggerSeq, err)
	}
	var replies []comms.Event
	for _, ev := range after {
		if ev.SenderKind == comms.SenderAgent && ev.InReplyTo == triggerSeq {
			replies = append(replies, ev)
		}
	}
	return replies, nil
}
