package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/turnstile/comms"
)

const defaultTTL = 30 * time.Second

// ReplyReader lists the agent replies to a trigger. *snapshot.Builder
// satisfies it.
type ReplyReader interface {
	Replies(ctx context.Context, roomID string, triggerSeq int64) ([]comms.Event, error)
}

// Config configures a Coordinator.
type Config struct {
	// TTL is how long an uncommitted lease blocks other owners. Default: 30s.
	TTL time.Duration
	// Secret signs lease tokens (HS256). Required.
	Secret []byte
	// Logger receives grant/deny records. Nil discards.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator issues, verifies, commits, and releases leases.
type Coordinator struct {
	store   Store
	replies ReplyReader
	ttl     time.Duration
	secret  []byte
	logger  *slog.Logger
	now     func() time.Time
}

// leaseClaims is the JWT payload of a lease token.
type leaseClaims struct {
	RoomID     string `json:"room"`
	AgentType  string `json:"agt"`
	TriggerSeq int64  `json:"seq"`
	jwt.RegisteredClaims
}

// New creates a Coordinator over store. replies may be nil, in which case
// Answered always reports false.
func New(store Store, replies ReplyReader, cfg Config) (*Coordinator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("lease: signing secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:   store,
		replies: replies,
		ttl:     cfg.TTL,
		secret:  cfg.Secret,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// TryAcquire grants the lease for key to taskID, or returns ErrDenied if
// any other live or committed record exists.
func (c *Coordinator) TryAcquire(ctx context.Context, key Key, taskID string) (*Lease, error) {
	now := c.now()
	rec := Record{Key: key, OwnerTaskID: taskID, ExpiresAt: now.Add(c.ttl)}
	ok, err := c.store.CompareAndSet(ctx, rec, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.logger.Debug("lease denied", slog.String("lease", key.String()), slog.String("task_id", taskID))
		return nil, fmt.Errorf("%w: %s", ErrDenied, key)
	}

	token, err := c.sign(rec, now)
	if err != nil {
		return nil, c.rollback(ctx, key, taskID, err)
	}
	c.logger.Debug("lease granted", slog.String("lease", key.String()), slog.String("task_id", taskID))
	return &Lease{Key: key, OwnerTaskID: taskID, ExpiresAt: rec.ExpiresAt, Token: token}, nil
}

// rollback deletes a record that was installed but cannot be handed out.
// A failed delete is joined to cause so the caller sees both.
func (c *Coordinator) rollback(ctx context.Context, key Key, taskID string, cause error) error {
	if err := c.store.Delete(ctx, key, taskID); err != nil {
		return errors.Join(cause, fmt.Errorf("roll back lease %s: %w", key, err))
	}
	return cause
}

func (c *Coordinator) sign(rec Record, now time.Time) (string, error) {
	claims := leaseClaims{
		RoomID:     rec.RoomID,
		AgentType:  rec.AgentType,
		TriggerSeq: rec.TriggerSeq,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  rec.OwnerTaskID,
			IssuedAt: jwt.NewNumericDate(now),
			// NumericDate truncates to seconds; round up so the token never
			// expires before the record does. The record stays authoritative.
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt.Add(time.Second - time.Nanosecond)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign lease %s: %w", rec.Key, err)
	}
	return signed, nil
}

// Verify checks a lease token's signature and expiry, then confirms that
// the store still attributes the key to the token's owner.
func (c *Coordinator) Verify(ctx context.Context, token string) (*Lease, error) {
	var claims leaseClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	key := Key{RoomID: claims.RoomID, AgentType: claims.AgentType, TriggerSeq: claims.TriggerSeq}
	rec, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || rec.OwnerTaskID != claims.Subject {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	if !rec.live(c.now()) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, key)
	}
	return &Lease{Key: key, OwnerTaskID: rec.OwnerTaskID, ExpiresAt: rec.ExpiresAt, Token: token}, nil
}

// Commit makes the lease permanent. After a successful Commit no other
// task can ever acquire the key.
func (c *Coordinator) Commit(ctx context.Context, l *Lease) error {
	ok, err := c.store.Commit(ctx, l.Key, l.OwnerTaskID, c.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExpired, l.Key)
	}
	return nil
}

// Release gives up a lease that will not be used, committed or not.
func (c *Coordinator) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	return c.store.Delete(ctx, l.Key, l.OwnerTaskID)
}

// Answered reports whether the trigger already has a reply from the same
// agent type or, when content is non-empty, a reply whose normalized text
// matches it. The returned reason names the match.
func (c *Coordinator) Answered(ctx context.Context, key Key, content string) (bool, string, error) {
	if c.replies == nil {
		return false, "", nil
	}
	replies, err := c.replies.Replies(ctx, key.RoomID, key.TriggerSeq)
	if err != nil {
		return false, "", err
	}
	fp := Fingerprint(content)
	for _, r := range replies {
		if r.AgentType == key.AgentType {
			return true, ReasonSameAgentType, nil
		}
		if fp != "" && Fingerprint(r.Content) == fp {
			return true, ReasonDuplicateContent, nil
		}
	}
	return false, "", nil
}
