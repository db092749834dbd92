package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ClaimState is the answer to a claim attempt.
type ClaimState int

const (
	// ClaimGranted means the caller holds the claim and may call the
	// backend.
	ClaimGranted ClaimState = iota
	// ClaimHeld means a sibling holds a live claim. Wait and ask again.
	ClaimHeld
	// ClaimSettled means a sibling already spent backend calls on the key.
	// No other instance of the type may call for it.
	ClaimSettled
)

func (s ClaimState) String() string {
	switch s {
	case ClaimGranted:
		return "granted"
	case ClaimHeld:
		return "held"
	case ClaimSettled:
		return "settled"
	}
	return fmt.Sprintf("ClaimState(%d)", int(s))
}

// ErrClaimLost means the holder's claim expired before it was settled.
var ErrClaimLost = errors.New("lease: evaluation claim lost")

// ClaimConfig configures Claims.
type ClaimConfig struct {
	// TTL bounds how long an unsettled claim blocks siblings. It should
	// cover one admission wait plus a snapshot build. Default: 30s.
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Claims elects one instance per (room, agent type, trigger) to run the
// backend calls for that trigger. The winner settles its claim just before
// its first call; from then on the claim is permanent and belongs to the
// winner's retries alone, which caps the type's calls for the trigger at
// one retry budget. An unsettled claim simply expires, so a holder stuck
// in the admission queue does not strand the trigger.
type Claims struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewClaims returns Claims over store. store must not be shared with a
// Coordinator.
func NewClaims(store Store, cfg ClaimConfig) *Claims {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Claims{store: store, ttl: cfg.TTL, logger: cfg.Logger, now: cfg.Now}
}

// Claim takes or renews the claim on key for taskID.
func (c *Claims) Claim(ctx context.Context, key Key, taskID string) (ClaimState, error) {
	now := c.now()
	expires := now.Add(c.ttl)
	ok, err := c.store.CompareAndSet(ctx, Record{Key: key, OwnerTaskID: taskID, ExpiresAt: expires}, now)
	if err != nil {
		return ClaimHeld, err
	}
	if ok {
		c.logger.Debug("evaluation claimed", slog.String("claim", key.String()), slog.String("task_id", taskID))
		return ClaimGranted, nil
	}

	rec, found, err := c.store.Get(ctx, key)
	if err != nil {
		return ClaimHeld, err
	}
	switch {
	case !found:
		// Released between the two reads; the next attempt can win it.
		return ClaimHeld, nil
	case rec.Committed && rec.OwnerTaskID == taskID:
		return ClaimGranted, nil
	case rec.Committed:
		return ClaimSettled, nil
	case rec.OwnerTaskID != taskID:
		return ClaimHeld, nil
	}
	renewed, err := c.store.Renew(ctx, key, taskID, expires, now)
	if err != nil {
		return ClaimHeld, err
	}
	if !renewed {
		return ClaimHeld, nil
	}
	return ClaimGranted, nil
}

// Settle makes taskID's claim on key permanent. Settling twice is a no-op.
// It returns ErrClaimLost if the claim expired first.
func (c *Claims) Settle(ctx context.Context, key Key, taskID string) error {
	ok, err := c.store.Commit(ctx, key, taskID, c.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClaimLost, key)
	}
	c.logger.Debug("evaluation claim settled", slog.String("claim", key.String()), slog.String("task_id", taskID))
	return nil
}

// Release drops an unsettled claim so a sibling can take it at once.
func (c *Claims) Release(ctx context.Context, key Key, taskID string) error {
	return c.store.Delete(ctx, key, taskID)
}
