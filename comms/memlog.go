package comms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process Log. Seq values start at 1 and are dense, so
// an event's position in the room slice is Seq-1.
type MemoryLog struct {
	mu    sync.RWMutex
	rooms map[string][]Event
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rooms: make(map[string][]Event)}
}

// Append stores ev with the next Seq for its room.
func (l *MemoryLog) Append(_ context.Context, ev Event) (Event, error) {
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Seq = int64(len(l.rooms[ev.RoomID])) + 1
	l.rooms[ev.RoomID] = append(l.rooms[ev.RoomID], ev)
	return ev, nil
}

// Range returns the last limit events with Seq <= maxSeq.
func (l *MemoryLog) Range(_ context.Context, roomID string, maxSeq int64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.rooms[roomID]
	end := int64(len(events))
	if maxSeq < end {
		end = maxSeq
	}
	if end <= 0 {
		return nil, nil
	}
	start := int64(0)
	if limit > 0 && end-int64(limit) > 0 {
		start = end - int64(limit)
	}
	out := make([]Event, end-start)
	copy(out, events[start:end])
	return out, nil
}

// After returns up to limit events with Seq > afterSeq.
func (l *MemoryLog) After(_ context.Context, roomID string, afterSeq int64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.rooms[roomID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(events)) {
		return nil, nil
	}
	end := int64(len(events))
	if limit > 0 && afterSeq+int64(limit) < end {
		end = afterSeq + int64(limit)
	}
	out := make([]Event, end-afterSeq)
	copy(out, events[afterSeq:end])
	return out, nil
}

// Head returns the highest Seq in the room.
func (l *MemoryLog) Head(_ context.Context, roomID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.rooms[roomID])), nil
}
