// Package engine assembles the coordination components into one running
// system: bus and log, snapshot builder, admission controller, lease
// coordinator, publisher, and the agent team.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/agent"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/config"
	"github.com/GoCodeAlone/turnstile/internal/sqlitedb"
	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/provider/mock"
	"github.com/GoCodeAlone/turnstile/publisher"
	"github.com/GoCodeAlone/turnstile/snapshot"
	"github.com/GoCodeAlone/turnstile/task"
)

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	decider    provider.Decider
	membership agent.Membership
	claims     lease.Store
}

// WithLogger sets the logger every component logs through.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithDecider replaces the backend named in the config.
func WithDecider(d provider.Decider) Option { return func(o *options) { o.decider = d } }

// WithMembership replaces the default membership table, which admits each
// instance to the rooms it watches.
func WithMembership(m agent.Membership) Option { return func(o *options) { o.membership = m } }

// WithClaimStore replaces the store behind the per-type evaluation claims.
func WithClaimStore(s lease.Store) Option { return func(o *options) { o.claims = s } }

// Engine is a wired coordination engine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	bus        *comms.InMemoryBus
	snapshots  *snapshot.Builder
	admission  *admission.Controller
	leases     *lease.Coordinator
	claims     *lease.Claims
	publisher  *publisher.Publisher
	membership agent.Membership
	timeline   task.Timeline
	team       *agent.Team
	startedAt  time.Time
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: o.logger}
	if err := e.openStores(); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			e.closeStores()
		}
	}()

	e.snapshots = snapshot.NewBuilder(e.bus.Log(), snapshot.Config{
		Window:    cfg.Engine.SnapshotWindow,
		MaxTokens: cfg.Engine.SnapshotTokens,
	})
	e.admission = admission.New(admission.Config{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		MaxQueue:      cfg.Engine.MaxQueue,
		MaxWait:       cfg.Engine.QueueWait.D(),
		Budget:        cfg.Engine.TokenBudget.D(),
		Logger:        o.logger,
	})

	secret := []byte(cfg.Engine.LeaseSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate lease secret: %w", err)
		}
		if cfg.Store.Driver == "sqlite" {
			o.logger.Warn("no lease_secret configured; lease tokens will not verify across processes")
		}
	}
	store, err := e.recordStore(lease.LeaseTable)
	if err != nil {
		return nil, err
	}
	e.leases, err = lease.New(store, e.snapshots, lease.Config{
		TTL:    cfg.Engine.LeaseTTL.D(),
		Secret: secret,
		Logger: o.logger,
	})
	if err != nil {
		return nil, err
	}
	e.publisher = publisher.New(e.bus, e.leases, o.logger)

	claimStore := o.claims
	if claimStore == nil {
		if claimStore, err = e.recordStore(lease.ClaimTable); err != nil {
			return nil, err
		}
	}
	// An unsettled claim only has to outlive the admission wait that
	// precedes the holder's first call.
	e.claims = lease.NewClaims(claimStore, lease.ClaimConfig{
		TTL:    cfg.Engine.QueueWait.D() + cfg.Engine.TokenBudget.D(),
		Logger: o.logger,
	})

	decider := o.decider
	if decider == nil {
		decider = newDecider(cfg.Backend)
	}

	static := agent.NewStaticMembership()
	e.membership = o.membership
	if e.membership == nil {
		e.membership = static
	}
	sink := task.MultiSink{task.NewLogSink(o.logger), e.timeline}

	e.team = agent.NewTeam("turnstile")
	for _, ac := range cfg.Agents {
		rooms := cfg.RoomsFor(ac)
		for i := range ac.Instances {
			id := fmt.Sprintf("%s-%d", strings.ToLower(ac.Type), i+1)
			static.Join(id, rooms...)
			rt, err := agent.NewRuntime(agent.Config{
				Identity: agent.Identity{AgentType: ac.Type, InstanceID: id, Rooms: rooms},
				Personality: &agent.Personality{
					Name:         ac.Name,
					Role:         ac.Role,
					SystemPrompt: ac.SystemPrompt,
				},
				Priority:   priority(ac.Priority),
				Bus:        e.bus,
				Membership: e.membership,
				Admission:  e.admission,
				Snapshots:  e.snapshots,
				Decider:    decider,
				Leases:     e.leases,
				Publisher:  e.publisher,
				Claims:     e.claims,
				Sink:       sink,
				Retry: agent.RetryPolicy{
					MaxRetries:  cfg.Engine.MaxRetries,
					BaseBackoff: cfg.Engine.BaseBackoff.D(),
					MaxBackoff:  cfg.Engine.MaxBackoff.D(),
				},
				Logger: o.logger,
			})
			if err != nil {
				return nil, err
			}
			e.team.AddAgent(rt)
		}
	}
	ok = true
	return e, nil
}

func (e *Engine) openStores() error {
	switch e.cfg.Store.Driver {
	case "sqlite":
		if dir := filepath.Dir(e.cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sqlitedb.Open(e.cfg.Store.Path)
		if err != nil {
			return err
		}
		e.db = db
		log, err := comms.NewSQLiteLog(db)
		if err != nil {
			return errors.Join(err, db.Close())
		}
		timeline, err := task.NewSQLiteStore(db)
		if err != nil {
			return errors.Join(err, db.Close())
		}
		e.bus = comms.NewInMemoryBus(log, e.logger)
		e.timeline = timeline
	default:
		e.bus = comms.NewInMemoryBus(comms.NewMemoryLog(), e.logger)
		e.timeline = task.NewMemorySink()
	}
	return nil
}

// recordStore returns the lease or claim store for the configured driver.
func (e *Engine) recordStore(table string) (lease.Store, error) {
	if e.db == nil {
		return lease.NewMemoryStore(), nil
	}
	return lease.NewSQLiteStoreTable(e.db, table)
}

func (e *Engine) closeStores() {
	if e.bus != nil {
		e.bus.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Error("close database", slog.String("error", err.Error()))
		}
	}
}

func newDecider(b config.BackendConfig) provider.Decider {
	switch b.Type {
	case "openai":
		return provider.NewChatDecider(provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:      b.APIKey,
			Model:       b.Model,
			BaseURL:     b.BaseURL,
			MaxTokens:   b.MaxTokens,
			Temperature: b.Temperature,
		}))
	default:
		return mock.NewDecider(mock.Echo())
	}
}

func priority(s string) admission.Priority {
	switch s {
	case "low":
		return admission.PriorityLow
	case "high":
		return admission.PriorityHigh
	default:
		return admission.PriorityNormal
	}
}

// Start launches every agent instance.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.team.Start(ctx); err != nil {
		return err
	}
	e.startedAt = time.Now()
	e.logger.Info("engine started",
		slog.Int("agents", len(e.team.Members)),
		slog.Int("max_concurrent", e.cfg.Engine.MaxConcurrent),
		slog.String("store", e.cfg.Store.Driver))
	return nil
}

// Stop stops the agents, waiting for in-flight evaluations until ctx ends,
// then closes the bus and the database.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.team.Stop(ctx)
	e.closeStores()
	return err
}

// Wait blocks until every evaluation started so far has finished.
func (e *Engine) Wait() { e.team.Wait() }

// PostHuman ingests a human message into a room.
func (e *Engine) PostHuman(ctx context.Context, roomID, senderID, content string) (comms.Event, error) {
	return e.bus.Publish(ctx, comms.Event{
		RoomID:     roomID,
		SenderID:   senderID,
		SenderKind: comms.SenderHuman,
		Content:    content,
	})
}

// Events returns up to limit events of roomID after seq after.
func (e *Engine) Events(ctx context.Context, roomID string, after int64, limit int) ([]comms.Event, error) {
	return e.bus.Log().After(ctx, roomID, after, limit)
}

// Subscribe opens a live feed of roomID.
func (e *Engine) Subscribe(ctx context.Context, roomID string) (*comms.Subscription, error) {
	return e.bus.Subscribe(ctx, roomID, comms.SubscribeOptions{Policy: comms.DropOldest})
}

// Agents describes every agent instance.
func (e *Engine) Agents() []agent.Info { return e.team.Infos() }

// Transitions returns the recorded task transitions matching f.
func (e *Engine) Transitions(ctx context.Context, f task.Filter) ([]task.Transition, error) {
	return e.timeline.Timeline(ctx, f)
}

// Admission returns the admission controller counters.
func (e *Engine) Admission() admission.Stats { return e.admission.Stats() }

// Rooms returns the configured rooms.
func (e *Engine) Rooms() []string { return e.cfg.Rooms }

// Status summarizes the engine.
type Status struct {
	StartedAt time.Time       `json:"started_at"`
	Uptime    string          `json:"uptime,omitempty"`
	Store     string          `json:"store"`
	Backend   string          `json:"backend"`
	Rooms     []string        `json:"rooms"`
	Agents    int             `json:"agents"`
	Admission admission.Stats `json:"admission"`
}

// Status returns a point-in-time summary.
func (e *Engine) Status() Status {
	var uptime string
	if !e.startedAt.IsZero() {
		uptime = time.Since(e.startedAt).Round(time.Second).String()
	}
	return Status{
		StartedAt: e.startedAt,
		Uptime:    uptime,
		Store:     e.cfg.Store.Driver,
		Backend:   e.cfg.Backend.Type,
		Rooms:     e.cfg.Rooms,
		Agents:    len(e.team.Infos()),
		Admission: e.admission.Stats(),
	}
}
