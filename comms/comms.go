// Package comms provides the room-scoped event bus and the append-only
// event log it publishes into.
package comms

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SenderKind identifies who authored an event.
type SenderKind string

const (
	SenderHuman SenderKind = "human"
	SenderAgent SenderKind = "agent"
)

// Event is one immutable entry in a room's conversation. Seq is the
// room-scoped causal sequence number and the only ordering authority;
// CreatedAt is informational.
type Event struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	SenderID   string     `json:"sender_id"`
	SenderKind SenderKind `json:"sender_kind"`
	AgentType  string     `json:"agent_type,omitempty"` // set for agent posts
	Content    string     `json:"content"`
	Seq        int64      `json:"seq"`
	InReplyTo  int64      `json:"in_reply_to,omitempty"` // trigger seq answered by this event
	CreatedAt  time.Time  `json:"created_at"`
}

var (
	// ErrClosed is returned by a bus that has been shut down.
	ErrClosed = errors.New("comms: bus closed")
	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("comms: invalid event")
)

// Validate checks the fields a publisher must supply.
func (e Event) Validate() error {
	switch {
	case e.RoomID == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidEvent)
	case e.SenderID == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidEvent)
	case e.SenderKind != SenderHuman && e.SenderKind != SenderAgent:
		return fmt.Errorf("%w: sender_kind must be human or agent", ErrInvalidEvent)
	case e.SenderKind == SenderAgent && e.AgentType == "":
		return fmt.Errorf("%w: agent_type is required for agent events", ErrInvalidEvent)
	}
	return nil
}

// Log is the append-only, per-room ordered event log.
type Log interface {
	// Append stores ev and assigns the next Seq for its room atomically.
	// ID and CreatedAt are filled in when empty.
	Append(ctx context.Context, ev Event) (Event, error)

	// Range returns at most limit events with Seq <= maxSeq, the most
	// recent ones, in ascending Seq order. limit <= 0 means no limit.
	Range(ctx context.Context, roomID string, maxSeq int64, limit int) ([]Event, error)

	// After returns at most limit events with Seq > afterSeq in ascending
	// Seq order. limit <= 0 means no limit.
	After(ctx context.Context, roomID string, afterSeq int64, limit int) ([]Event, error)

	// Head returns the highest Seq in the room, or 0 if the room is empty.
	Head(ctx context.Context, roomID string) (int64, error)
}

// Bus is the fan-out backbone. Publishing appends to the Log and delivers
// the stored event to every current subscriber of the room.
type Bus interface {
	// Publish appends ev and fans it out. It never waits on subscribers.
	Publish(ctx context.Context, ev Event) (Event, error)

	// Subscribe registers a bounded delivery queue for roomID. Every event
	// with Seq > Subscription.StartSeq is either delivered or counted as
	// dropped.
	Subscribe(ctx context.Context, roomID string, opts SubscribeOptions) (*Subscription, error)

	// Log returns the log the bus publishes into.
	Log() Log
}
