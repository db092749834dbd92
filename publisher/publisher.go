// Package publisher writes agent replies into a room under a lease.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/lease"
)

// ErrLeaseMismatch means the lease token covers a different room, agent
// type, or trigger than the reply being published.
var ErrLeaseMismatch = errors.New("publisher: lease does not cover reply")

// Leases is the subset of *lease.Coordinator the publisher needs.
type Leases interface {
	Verify(ctx context.Context, token string) (*lease.Lease, error)
	Commit(ctx context.Context, l *lease.Lease) error
	Release(ctx context.Context, l *lease.Lease) error
}

// Reply is one agent response to a trigger.
type Reply struct {
	RoomID     string
	AgentType  string
	InstanceID string
	Content    string
	InReplyTo  int64
	LeaseToken string
}

// Publisher turns a leased reply into a room event.
type Publisher struct {
	bus    comms.Bus
	leases Leases
	logger *slog.Logger
}

// New creates a Publisher. A nil logger discards.
func New(bus comms.Bus, leases Leases, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{bus: bus, leases: leases, logger: logger}
}

// Publish verifies the reply's lease, commits it, and publishes the reply.
// The lease is committed before the write so no other holder can be
// granted the key while the event is in flight; if the write fails the
// commit is rolled back. Either the event is in the log with a committed
// lease, or neither is.
func (p *Publisher) Publish(ctx context.Context, r Reply) (comms.Event, error) {
	l, err := p.leases.Verify(ctx, r.LeaseToken)
	if err != nil {
		return comms.Event{}, err
	}
	want := lease.Key{RoomID: r.RoomID, AgentType: r.AgentType, TriggerSeq: r.InReplyTo}
	if l.Key != want {
		return comms.Event{}, fmt.Errorf("%w: token for %s, reply for %s", ErrLeaseMismatch, l.Key, want)
	}
	if err := p.leases.Commit(ctx, l); err != nil {
		return comms.Event{}, err
	}

	ev, err := p.bus.Publish(ctx, comms.Event{
		RoomID:     r.RoomID,
		SenderID:   r.InstanceID,
		SenderKind: comms.SenderAgent,
		AgentType:  r.AgentType,
		Content:    r.Content,
		InReplyTo:  r.InReplyTo,
	})
	if err != nil {
		// The rollback must run even if ctx is what failed the publish.
		if rerr := p.leases.Release(context.WithoutCancel(ctx), l); rerr != nil {
			p.logger.Error("lease rollback failed",
				slog.String("lease", l.Key.String()),
				slog.String("error", rerr.Error()))
		}
		return comms.Event{}, fmt.Errorf("publish reply to %s: %w", want, err)
	}

	p.logger.Info("reply published",
		slog.String("room_id", ev.RoomID),
		slog.String("agent_type", ev.AgentType),
		slog.String("instance_id", ev.SenderID),
		slog.Int64("trigger_seq", ev.InReplyTo),
		slog.Int64("seq", ev.Seq))
	return ev, nil
}
