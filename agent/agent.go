// Package agent runs gating evaluators: one Runtime per agent instance,
// one evaluation task per delivered room event.
package agent

import (
	"context"
	"time"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/publisher"
	"github.com/GoCodeAlone/turnstile/snapshot"
)

// Status represents the current state of an agent instance.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Personality defines the agent's role and prompt.
type Personality struct {
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

// Identity names one running instance of a logical agent type. Rooms are
// the rooms the instance watches; membership is decided separately.
type Identity struct {
	AgentType  string   `json:"agent_type"`
	InstanceID string   `json:"instance_id"`
	Rooms      []string `json:"rooms"`
}

// Info provides read-only metadata about an agent instance.
type Info struct {
	Identity
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	InFlight  int64     `json:"in_flight"`
	Evaluated uint64    `json:"evaluated"`
	Posted    uint64    `json:"posted"`
}

// Admitter grants backend capacity. *admission.Controller satisfies it.
type Admitter interface {
	Acquire(ctx context.Context, req admission.Request) (*admission.Token, error)
	Release(tok *admission.Token)
}

// SnapshotBuilder builds trigger-bounded context. *snapshot.Builder
// satisfies it.
type SnapshotBuilder interface {
	Build(ctx context.Context, roomID string, triggerSeq int64) (*snapshot.Snapshot, error)
}

// Leases is the lease coordinator surface the evaluator uses.
// *lease.Coordinator satisfies it.
type Leases interface {
	TryAcquire(ctx context.Context, key lease.Key, taskID string) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease) error
	Answered(ctx context.Context, key lease.Key, content string) (bool, string, error)
}

// Claimer elects the one instance of a type that may call the backend for
// a trigger. *lease.Claims satisfies it.
type Claimer interface {
	Claim(ctx context.Context, key lease.Key, taskID string) (lease.ClaimState, error)
	Settle(ctx context.Context, key lease.Key, taskID string) error
	Release(ctx context.Context, key lease.Key, taskID string) error
}

// Publisher posts leased replies. *publisher.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, r publisher.Reply) (comms.Event, error)
}

// compile-time checks
var (
	_ Admitter        = (*admission.Controller)(nil)
	_ SnapshotBuilder = (*snapshot.Builder)(nil)
	_ Leases          = (*lease.Coordinator)(nil)
	_ Claimer         = (*lease.Claims)(nil)
	_ Publisher       = (*publisher.Publisher)(nil)
)
