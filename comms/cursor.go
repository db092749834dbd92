package comms

import (
	"context"
	"fmt"
)

// Cursor makes consumption of one room idempotent. It remembers the
// highest Seq handed out, ignores redeliveries at or below it, and
// backfills from the log when a delivery skips ahead.
//
// A Cursor is not safe for concurrent use; each subscriber owns one.
type Cursor struct {
	log    Log
	roomID string
	last   int64
}

// NewCursor starts a cursor for roomID that treats every Seq <= from as
// already consumed.
func NewCursor(log Log, roomID string, from int64) *Cursor {
	return &Cursor{log: log, roomID: roomID, last: from}
}

// Last returns the highest Seq consumed.
func (c *Cursor) Last() int64 { return c.last }

// Advance returns the events to process, in Seq order, given a delivery
// of ev. The result is empty for redeliveries and events of other rooms.
// On a backfill error the cursor does not move, so the same delivery can
// be retried.
func (c *Cursor) Advance(ctx context.Context, ev Event) ([]Event, error) {
	if ev.RoomID != c.roomID || ev.Seq <= c.last {
		return nil, nil
	}
	if ev.Seq == c.last+1 {
		c.last = ev.Seq
		return []Event{ev}, nil
	}

	missing, err := c.log.After(ctx, c.roomID, c.last, int(ev.Seq-c.last-1))
	if err != nil {
		return nil, fmt.Errorf("backfill room %s after %d: %w", c.roomID, c.last, err)
	}
	out := make([]Event, 0, len(missing)+1)
	for _, m := range missing {
		if m.Seq > c.last && m.Seq < ev.Seq {
			out = append(out, m)
		}
	}
	out = append(out, ev)
	c.last = ev.Seq
	return out, nil
}

// CatchUp returns every event of the room logged after Last, for use when
// no delivery has arrived for a while: a subscriber whose queue dropped the
// tail of a burst has nothing later to trigger Advance's backfill.
func (c *Cursor) CatchUp(ctx context.Context) ([]Event, error) {
	head, err := c.log.Head(ctx, c.roomID)
	if err != nil {
		return nil, fmt.Errorf("head of room %s: %w", c.roomID, err)
	}
	if head <= c.last {
		return nil, nil
	}
	missing, err := c.log.After(ctx, c.roomID, c.last, int(head-c.last))
	if err != nil {
		return nil, fmt.Errorf("catch up room %s after %d: %w", c.roomID, c.last, err)
	}
	out := missing[:0]
	for _, m := range missing {
		if m.Seq > c.last {
			out = append(out, m)
			c.last = m.Seq
		}
	}
	return out, nil
}
