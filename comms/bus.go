package comms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides what a full subscriber queue gives up.
type OverflowPolicy int

const (
	// DropNewest discards the incoming event when the queue is full.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued event to make room.
	DropOldest
)

const defaultSubscriberBuffer = 256

// SubscribeOptions configures a subscriber's delivery queue.
type SubscribeOptions struct {
	Buffer int // queue capacity; 0 means 256
	Policy OverflowPolicy
}

// Subscription is a bounded, per-subscriber delivery queue for one room.
// Events arrive in ascending Seq order; gaps mean the queue overflowed and
// the consumer should backfill from the log (see Cursor).
type Subscription struct {
	RoomID string
	// StartSeq is the room head at the moment the subscription was
	// registered. Every later event is delivered or counted in Dropped.
	StartSeq int64

	id      int64
	ch      chan Event
	policy  OverflowPolicy
	bus     *InMemoryBus
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// Events returns the delivery channel. It is closed by Close or when the
// bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events overflowed the queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the delivery channel. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues ev without blocking.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	if s.policy == DropOldest {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	s.dropped.Add(1)
}

// room holds the subscribers of one room. mu also serializes publishes so
// that append order and delivery order agree.
type room struct {
	mu   sync.Mutex
	subs map[int64]*Subscription
}

// InMemoryBus is a thread-safe in-process Bus over any Log.
type InMemoryBus struct {
	log    Log
	logger *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool

	nextID atomic.Int64
}

// NewInMemoryBus creates a bus publishing into log. A nil log gets a
// MemoryLog; a nil logger discards.
func NewInMemoryBus(log Log, logger *slog.Logger) *InMemoryBus {
	if log == nil {
		log = NewMemoryLog()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InMemoryBus{
		log:    log,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

// Log returns the underlying event log.
func (b *InMemoryBus) Log() Log { return b.log }

func (b *InMemoryBus) room(roomID string) (*room, error) {
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return r, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if r, ok = b.rooms[roomID]; !ok {
		r = &room{subs: make(map[int64]*Subscription)}
		b.rooms[roomID] = r
	}
	return r, nil
}

// Publish appends ev to the log and delivers the stored event to every
// subscriber of its room. Delivery never blocks: a full queue drops
// according to its policy.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) (Event, error) {
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	r, err := b.room(ev.RoomID)
	if err != nil {
		return Event{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := b.log.Append(ctx, ev)
	if err != nil {
		return Event{}, fmt.Errorf("publish to room %s: %w", ev.RoomID, err)
	}
	for _, s := range r.subs {
		before := s.Dropped()
		s.deliver(stored)
		if s.Dropped() != before {
			b.logger.Debug("subscriber queue full",
				slog.String("room_id", stored.RoomID),
				slog.Int64("seq", stored.Seq),
				slog.Int64("subscription", s.id))
		}
	}
	return stored, nil
}

// Subscribe registers a delivery queue for roomID.
func (b *InMemoryBus) Subscribe(ctx context.Context, roomID string, opts SubscribeOptions) (*Subscription, error) {
	r, err := b.room(roomID)
	if err != nil {
		return nil, err
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultSubscriberBuffer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := b.log.Head(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}
	s := &Subscription{
		RoomID:   roomID,
		StartSeq: head,
		id:       b.nextID.Add(1),
		ch:       make(chan Event, opts.Buffer),
		policy:   opts.Policy,
		bus:      b,
	}
	r.subs[s.id] = s
	return s, nil
}

func (b *InMemoryBus) unsubscribe(s *Subscription) {
	b.mu.RLock()
	r, ok := b.rooms[s.RoomID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, s.id)
	r.mu.Unlock()
}

// Close shuts the bus down and closes every subscription.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rooms := b.rooms
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for id, s := range r.subs {
			delete(r.subs, id)
			s.shut()
		}
		r.mu.Unlock()
	}
}
