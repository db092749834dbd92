// Package lease guarantees at most one published response per agent type
// per triggering event.
//
// Exclusivity is a compare-and-set on a (room, agent type, trigger seq)
// record. A winner receives a signed lease token; the publisher verifies
// the token and commits the record before writing, after which the key can
// never be granted again. A second, content-level check catches replies
// that reached the room through any other path.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDenied means another task holds or has used the lease.
	ErrDenied = errors.New("lease: denied")
	// ErrExpired means the lease ran out before it was committed.
	ErrExpired = errors.New("lease: expired")
	// ErrNotOwner means the caller does not hold the lease record.
	ErrNotOwner = errors.New("lease: not owner")
	// ErrInvalidToken means a lease token failed verification.
	ErrInvalidToken = errors.New("lease: invalid token")
)

// Key identifies one exclusivity slot. TriggerSeq is room-scoped, so the
// room is part of the key.
type Key struct {
	RoomID     string `json:"room_id"`
	AgentType  string `json:"agent_type"`
	TriggerSeq int64  `json:"trigger_seq"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%d", k.RoomID, k.AgentType, k.TriggerSeq)
}

// Record is the stored state of a key.
type Record struct {
	Key
	OwnerTaskID string    `json:"owner_task_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Committed   bool      `json:"committed"`
}

// live reports whether the record still blocks other owners at now.
func (r Record) live(now time.Time) bool {
	return r.Committed || now.Before(r.ExpiresAt)
}

// Lease is a granted exclusivity record plus its signed token.
type Lease struct {
	Key
	OwnerTaskID string    `json:"owner_task_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Token       string    `json:"token"`
}

// Store persists lease records. Implementations must make CompareAndSet
// and Commit atomic with respect to each other.
type Store interface {
	// CompareAndSet installs rec unless a live record exists for rec.Key.
	CompareAndSet(ctx context.Context, rec Record, now time.Time) (bool, error)

	// Commit marks the key committed if owner holds an unexpired record.
	// Committing an already committed record of the same owner succeeds.
	Commit(ctx context.Context, key Key, owner string, now time.Time) (bool, error)

	// Renew moves the expiry of an uncommitted, unexpired record that owner
	// holds.
	Renew(ctx context.Context, key Key, owner string, expiresAt, now time.Time) (bool, error)

	// Delete removes the record if owner holds it.
	Delete(ctx context.Context, key Key, owner string) error

	// Get returns the record for key, if any.
	Get(ctx context.Context, key Key) (Record, bool, error)
}
