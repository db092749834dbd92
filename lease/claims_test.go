package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClaims(store Store, clk *clock) *Claims {
	return NewClaims(store, ClaimConfig{TTL: 5 * time.Second, Now: clk.Now})
}

func TestClaims_OneHolder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := newClaims(store, newClock())
			ctx := context.Background()

			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					st, err := c.Claim(ctx, key, "task-"+string(rune('a'+i)))
					assert.NoError(t, err)
					if st == ClaimGranted {
						granted.Add(1)
					} else {
						assert.Equal(t, ClaimHeld, st)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), granted.Load())
		})
	}
}

func TestClaims_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			c := newClaims(store, clk)
			ctx := context.Background()

			st, err := c.Claim(ctx, key, "a")
			require.NoError(t, err)
			require.Equal(t, ClaimGranted, st)

			// The holder renews; a sibling waits.
			clk.Advance(4 * time.Second)
			st, err = c.Claim(ctx, key, "a")
			require.NoError(t, err)
			assert.Equal(t, ClaimGranted, st)
			clk.Advance(4 * time.Second)
			st, err = c.Claim(ctx, key, "b")
			require.NoError(t, err)
			assert.Equal(t, ClaimHeld, st, "renewal should have extended the claim")

			require.NoError(t, c.Settle(ctx, key, "a"))
			require.NoError(t, c.Settle(ctx, key, "a"))

			// Settled claims never expire and still admit their holder.
			clk.Advance(time.Hour)
			st, err = c.Claim(ctx, key, "b")
			require.NoError(t, err)
			assert.Equal(t, ClaimSettled, st)
			st, err = c.Claim(ctx, key, "a")
			require.NoError(t, err)
			assert.Equal(t, ClaimGranted, st)
		})
	}
}

func TestClaims_ReleaseAndExpiry(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			c := newClaims(store, clk)
			ctx := context.Background()

			_, err := c.Claim(ctx, key, "a")
			require.NoError(t, err)
			require.NoError(t, c.Release(ctx, key, "a"))
			st, err := c.Claim(ctx, key, "b")
			require.NoError(t, err)
			assert.Equal(t, ClaimGranted, st, "released claim should be free")

			// b stalls past the TTL; c takes over and b can no longer settle.
			clk.Advance(6 * time.Second)
			st, err = c.Claim(ctx, key, "c")
			require.NoError(t, err)
			assert.Equal(t, ClaimGranted, st)
			assert.ErrorIs(t, c.Settle(ctx, key, "b"), ErrClaimLost)
			assert.NoError(t, c.Settle(ctx, key, "c"))
		})
	}
}

func TestStore_Renew(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(1_700_000_000, 0)
			ok, err := store.CompareAndSet(ctx, Record{Key: key, OwnerTaskID: "a", ExpiresAt: now.Add(time.Second)}, now)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = store.Renew(ctx, key, "b", now.Add(time.Minute), now)
			require.NoError(t, err)
			assert.False(t, ok, "non-owner renewed")

			ok, err = store.Renew(ctx, key, "a", now.Add(time.Minute), now)
			require.NoError(t, err)
			assert.True(t, ok)
			rec, found, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, rec.ExpiresAt.Equal(now.Add(time.Minute)))

			ok, err = store.Renew(ctx, key, "a", now.Add(2*time.Minute), now.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok, "expired record renewed")
		})
	}
}

func TestNewSQLiteStoreTable_UnknownTable(t *testing.T) {
	_, err := NewSQLiteStoreTable(nil, "users; DROP TABLE x")
	assert.Error(t, err)
}

// failingDelete is a store whose Delete always fails.
type failingDelete struct{ Store }

func (failingDelete) Delete(context.Context, Key, string) error { return errors.New("disk full") }

func TestRollback_JoinsDeleteError(t *testing.T) {
	cause := errors.New("sign failed")

	c := newCoordinator(t, NewMemoryStore(), newClock(), nil)
	assert.Same(t, cause, c.rollback(context.Background(), key, "a", cause))

	c = newCoordinator(t, failingDelete{NewMemoryStore()}, newClock(), nil)
	err := c.rollback(context.Background(), key, "a", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "roll back lease")
}
