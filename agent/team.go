package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Team groups the running instances of every agent type.
type Team struct {
	ID      string
	Members []*Runtime

	mu sync.RWMutex
}

// NewTeam creates an empty team.
func NewTeam(id string) *Team {
	return &Team{ID: id}
}

// AddAgent adds an instance to the team.
func (t *Team) AddAgent(r *Runtime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Members = append(t.Members, r)
}

// Start launches every member. If one fails, the ones already started are
// stopped again.
func (t *Team) Start(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, m := range t.Members {
		if err := m.Start(ctx); err != nil {
			for _, started := range t.Members[:i] {
				_ = started.Stop(context.WithoutCancel(ctx))
			}
			return fmt.Errorf("team %s: start %s: %w", t.ID, m.cfg.Identity.InstanceID, err)
		}
	}
	return nil
}

// Stop shuts every member down concurrently and returns the first error.
func (t *Team) Stop(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var g errgroup.Group
	for _, m := range t.Members {
		g.Go(func() error {
			if err := m.Stop(ctx); err != nil {
				return fmt.Errorf("team %s: %w", t.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Wait blocks until every member's in-flight evaluations have finished.
func (t *Team) Wait() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.Members {
		m.Wait()
	}
}

// Infos returns the metadata of every member.
func (t *Team) Infos() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.Members))
	for _, m := range t.Members {
		out = append(out, m.Info())
	}
	return out
}
