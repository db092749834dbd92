package admission

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the controller limits.
type Config struct {
	// MaxConcurrent is the number of simultaneous backend grants (N_max).
	// Default: 2.
	MaxConcurrent int
	// MaxQueue bounds the number of waiting requests; arrivals beyond it
	// are rejected immediately. Default: 64.
	MaxQueue int
	// MaxWait bounds how long a request may wait for a slot. Default: 10s.
	MaxWait time.Duration
	// Budget is the hard lifetime of a granted token. Default: 30s.
	Budget time.Duration
	// Logger receives grant/reject/reclaim records. Nil discards.
	Logger *slog.Logger
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	InUse         int    `json:"in_use"`
	Queued        int    `json:"queued"`
	Peak          int    `json:"peak"`
	Granted       uint64 `json:"granted"`
	Rejected      uint64 `json:"rejected"`
	Released      uint64 `json:"released"`
	Reclaimed     uint64 `json:"reclaimed"`
}

// Controller is the admission gate. It is safe for concurrent use.
type Controller struct {
	maxConcurrent int
	maxQueue      int
	maxWait       time.Duration
	budget        time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	inUse   int
	queue   waitQueue
	arrival uint64
	stats   Stats
}

// New creates a Controller. Zero values in cfg are replaced with defaults.
func New(cfg Config) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 64
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		maxConcurrent: cfg.MaxConcurrent,
		maxQueue:      cfg.MaxQueue,
		maxWait:       cfg.MaxWait,
		budget:        cfg.Budget,
		logger:        cfg.Logger,
	}
}

// Acquire returns a token, waiting at most MaxWait. It returns ErrRejected
// when the queue is full or the wait elapses, and ctx.Err() when ctx ends.
func (c *Controller) Acquire(ctx context.Context, req Request) (*Token, error) {
	c.mu.Lock()
	if c.inUse < c.maxConcurrent && c.queue.Len() == 0 {
		tok := c.grantLocked(req)
		c.mu.Unlock()
		return tok, nil
	}
	if c.queue.Len() >= c.maxQueue {
		c.stats.Rejected++
		c.mu.Unlock()
		c.logger.Info("admission rejected",
			slog.String("task_id", req.TaskID),
			slog.String("reason", "queue_full"))
		return nil, fmt.Errorf("%w: queue full (%d waiting)", ErrRejected, c.maxQueue)
	}
	c.arrival++
	w := &waiter{req: req, arrival: c.arrival, ch: make(chan *Token, 1)}
	heap.Push(&c.queue, w)
	c.mu.Unlock()

	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()

	select {
	case tok := <-w.ch:
		return tok, nil
	case <-timer.C:
		return c.abandon(w, fmt.Errorf("%w: no slot within %s", ErrRejected, c.maxWait))
	case <-ctx.Done():
		return c.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue. If a slot was granted concurrently it
// is handed straight back.
func (c *Controller) abandon(w *waiter, err error) (*Token, error) {
	c.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&c.queue, w.index)
		rejected := isRejected(err)
		if rejected {
			c.stats.Rejected++
		}
		c.mu.Unlock()
		if rejected {
			c.logger.Info("admission rejected",
				slog.String("task_id", w.req.TaskID),
				slog.String("reason", "wait_exceeded"))
		}
		return nil, err
	}
	c.mu.Unlock()

	c.Release(<-w.ch)
	return nil, err
}

// Release returns the token's slot. Releasing twice, or releasing a token
// that was already reclaimed, is a no-op.
func (c *Controller) Release(tok *Token) {
	c.finish(tok, false)
}

func (c *Controller) reclaim(tok *Token) {
	c.finish(tok, true)
}

func (c *Controller) finish(tok *Token, reclaimed bool) {
	if tok == nil {
		return
	}
	c.mu.Lock()
	if tok.released {
		c.mu.Unlock()
		return
	}
	tok.released = true
	if reclaimed {
		tok.reclaimed = true
		c.stats.Reclaimed++
	} else {
		tok.timer.Stop()
		c.stats.Released++
	}
	c.inUse--
	c.dispatchLocked()
	c.mu.Unlock()

	tok.cancel()
	if reclaimed {
		c.logger.Warn("admission token reclaimed",
			slog.String("token_id", tok.ID),
			slog.String("task_id", tok.HolderTaskID),
			slog.Duration("budget", tok.Budget))
	}
}

// dispatchLocked grants free slots to the highest-priority waiters.
func (c *Controller) dispatchLocked() {
	for c.inUse < c.maxConcurrent && c.queue.Len() > 0 {
		w := heap.Pop(&c.queue).(*waiter)
		w.ch <- c.grantLocked(w.req)
	}
}

func (c *Controller) grantLocked(req Request) *Token {
	c.inUse++
	if c.inUse > c.stats.Peak {
		c.stats.Peak = c.inUse
	}
	c.stats.Granted++

	ctx, cancel := context.WithCancel(context.Background())
	tok := &Token{
		ID:           uuid.NewString(),
		HolderTaskID: req.TaskID,
		RoomID:       req.RoomID,
		AcquiredAt:   time.Now(),
		Budget:       c.budget,
		ctx:          ctx,
		cancel:       cancel,
		ctrl:         c,
	}
	tok.timer = time.AfterFunc(c.budget, func() { c.reclaim(tok) })

	c.logger.Debug("admission granted",
		slog.String("token_id", tok.ID),
		slog.String("task_id", req.TaskID),
		slog.Int("in_use", c.inUse))
	return tok
}

// Stats returns current counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.MaxConcurrent = c.maxConcurrent
	s.InUse = c.inUse
	s.Queued = c.queue.Len()
	return s
}
