package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/task"
)

const (
	defaultClaimPoll       = 25 * time.Millisecond
	defaultCatchUpInterval = time.Second
)

// Config wires one agent instance to the shared engine components.
type Config struct {
	Identity    Identity
	Personality *Personality
	Priority    admission.Priority

	Bus        comms.Bus
	Membership Membership
	Admission  Admitter
	Snapshots  SnapshotBuilder
	Decider    provider.Decider
	Leases     Leases
	Publisher  Publisher
	// Claims, when set, limits each trigger to one calling instance per
	// agent type. Siblings poll every ClaimPoll (default 25ms) while a
	// live claim is held elsewhere.
	Claims    Claimer
	ClaimPoll time.Duration
	// CatchUpInterval is how long a subscription may sit idle before the
	// room's log is checked for events its queue dropped. Default 1s.
	CatchUpInterval time.Duration
	// Sink receives every task transition. Nil discards.
	Sink   task.Sink
	Retry  RetryPolicy
	Logger *slog.Logger
}

func (c *Config) validate() error {
	var missing []string
	if c.Identity.AgentType == "" {
		missing = append(missing, "identity.agent_type")
	}
	if c.Identity.InstanceID == "" {
		missing = append(missing, "identity.instance_id")
	}
	for name, v := range map[string]any{
		"bus": c.Bus, "membership": c.Membership, "admission": c.Admission,
		"snapshots": c.Snapshots, "decider": c.Decider, "leases": c.Leases, "publisher": c.Publisher,
	} {
		if v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent config: missing %v", missing)
	}
	return nil
}

// Runtime is one running agent instance. Every event it receives for a
// watched room becomes an independent evaluation task.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	cancel    context.CancelFunc
	subs      []*comms.Subscription

	tasks     sync.WaitGroup
	watchers  sync.WaitGroup
	inFlight  atomic.Int64
	evaluated atomic.Uint64
	posted    atomic.Uint64
}

// NewRuntime creates a new agent runtime from the given config.
func NewRuntime(cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Sink == nil {
		cfg.Sink = task.NewLogSink(nil)
	}
	if cfg.ClaimPoll <= 0 {
		cfg.ClaimPoll = defaultClaimPoll
	}
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = defaultCatchUpInterval
	}
	return &Runtime{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("agent_type", cfg.Identity.AgentType),
			slog.String("instance_id", cfg.Identity.InstanceID)),
		status: StatusIdle,
	}, nil
}

// Identity returns the instance identity.
func (r *Runtime) Identity() Identity { return r.cfg.Identity }

// Info returns the instance's current metadata.
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := Info{
		Identity:  r.cfg.Identity,
		Status:    r.status,
		StartedAt: r.startedAt,
		InFlight:  r.inFlight.Load(),
		Evaluated: r.evaluated.Load(),
		Posted:    r.posted.Load(),
	}
	if r.cfg.Personality != nil {
		info.Name = r.cfg.Personality.Name
	}
	return info
}

// Start subscribes to every watched room and begins dispatching events.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusActive {
		return fmt.Errorf("agent %s already running", r.cfg.Identity.InstanceID)
	}

	ctx, cancel := context.WithCancel(ctx)
	var subs []*comms.Subscription
	for _, room := range r.cfg.Identity.Rooms {
		sub, err := r.cfg.Bus.Subscribe(ctx, room, comms.SubscribeOptions{})
		if err != nil {
			cancel()
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("agent %s: subscribe %s: %w", r.cfg.Identity.InstanceID, room, err)
		}
		subs = append(subs, sub)
	}

	r.cancel = cancel
	r.subs = subs
	r.status = StatusActive
	r.startedAt = time.Now()
	for _, sub := range subs {
		r.watchers.Add(1)
		go r.watch(ctx, sub)
	}
	r.logger.Info("agent started", slog.Any("rooms", r.cfg.Identity.Rooms))
	return nil
}

// Stop cancels in-flight evaluations and waits for them to finish, or for
// ctx to end.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, s := range r.subs {
		s.Close()
	}
	r.subs = nil
	r.status = StatusStopped
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent %s: stop: %w", r.cfg.Identity.InstanceID, ctx.Err())
	}
}

// Wait blocks until every evaluation started so far has finished.
func (r *Runtime) Wait() { r.tasks.Wait() }

// watch consumes one room subscription. The cursor drops redeliveries and
// backfills anything the bounded queue discarded. When no delivery arrives
// for a whole CatchUpInterval the log head is checked, so a dropped tail is
// found without waiting for the next message.
func (r *Runtime) watch(ctx context.Context, sub *comms.Subscription) {
	defer r.watchers.Done()
	cursor := comms.NewCursor(r.cfg.Bus.Log(), sub.RoomID, sub.StartSeq)
	ticker := time.NewTicker(r.cfg.CatchUpInterval)
	defer ticker.Stop()
	idle := true
	for {
		var (
			evs []comms.Event
			err error
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			idle = false
			evs, err = cursor.Advance(ctx, ev)
		case <-ticker.C:
			if !idle {
				idle = true
				continue
			}
			evs, err = cursor.CatchUp(ctx)
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("event backfill failed",
					slog.String("room_id", sub.RoomID),
					slog.String("error", err.Error()))
			}
			continue
		}
		for _, e := range evs {
			r.dispatch(ctx, e)
		}
	}
}

// Deliver hands ev straight to the instance, bypassing subscriptions.
func (r *Runtime) Deliver(ctx context.Context, ev comms.Event) {
	r.dispatch(ctx, ev)
}

func (r *Runtime) dispatch(ctx context.Context, ev comms.Event) {
	if ev.SenderKind == comms.SenderAgent && ev.AgentType == r.cfg.Identity.AgentType {
		r.logger.Debug("skipping own agent type event",
			slog.String("room_id", ev.RoomID),
			slog.Int64("seq", ev.Seq))
		return
	}
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		r.Evaluate(ctx, ev)
	}()
}
