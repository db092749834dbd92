package agent

import (
	"context"
	"time"
)

// RetryPolicy bounds re-attempts after a timed-out backend call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; each later retry
	// doubles it.
	BaseBackoff time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy allows one retry after 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Backoff returns the delay before retry n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
