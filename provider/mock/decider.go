package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/provider"
)

// DecideFunc scripts one call. call is the 1-based number of calls the
// Decider has received for req.InstanceID, including this one.
type DecideFunc func(ctx context.Context, req provider.DecisionRequest, call int) (provider.Decision, error)

// Decider is a provider.Decider driven by a DecideFunc. It counts calls and
// tracks how many were in flight at once.
type Decider struct {
	fn DecideFunc

	mu          sync.Mutex
	calls       int
	perInstance map[string]int
	perType     map[string]int
	inFlight    int
	maxInFlight int
}

// NewDecider creates a Decider. A nil fn always stays silent.
func NewDecider(fn DecideFunc) *Decider {
	if fn == nil {
		fn = Always(provider.Decision{})
	}
	return &Decider{fn: fn, perInstance: make(map[string]int), perType: make(map[string]int)}
}

func (d *Decider) Decide(ctx context.Context, req provider.DecisionRequest) (provider.Decision, error) {
	d.mu.Lock()
	d.calls++
	d.perInstance[req.InstanceID]++
	d.perType[req.AgentType]++
	call := d.perInstance[req.InstanceID]
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()
	return d.fn(ctx, req, call)
}

// Calls returns the total number of Decide calls.
func (d *Decider) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// CallsFor returns the number of Decide calls made for agentType.
func (d *Decider) CallsFor(agentType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perType[agentType]
}

// MaxInFlight returns the highest number of concurrent Decide calls seen.
func (d *Decider) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

// Always returns dec on every call.
func Always(dec provider.Decision) DecideFunc {
	return func(context.Context, provider.DecisionRequest, int) (provider.Decision, error) {
		return dec, nil
	}
}

// Reply responds with text on every call.
func Reply(text string) DecideFunc {
	return Always(provider.Decision{Respond: true, Confidence: 1, Reply: text})
}

// Echo answers human triggers with a short acknowledgement naming the agent
// type, and stays silent on agent-authored triggers.
func Echo() DecideFunc {
	return func(_ context.Context, req provider.DecisionRequest, _ int) (provider.Decision, error) {
		if req.Snapshot == nil {
			return provider.Decision{}, nil
		}
		trig := req.Snapshot.Trigger()
		if trig.SenderKind != comms.SenderHuman {
			return provider.Decision{Rationale: "agent message"}, nil
		}
		return provider.Decision{
			Respond:    true,
			Confidence: 0.5,
			Rationale:  "mock echo",
			Reply:      fmt.Sprintf("[%s] noted: %s", req.AgentType, trig.Content),
		}, nil
	}
}

// Delay waits d before delegating to next. If ctx ends first it returns
// provider.ErrBackendTimeout.
func Delay(d time.Duration, next DecideFunc) DecideFunc {
	return func(ctx context.Context, req provider.DecisionRequest, call int) (provider.Decision, error) {
		if err := Wait(ctx, d); err != nil {
			return provider.Decision{}, err
		}
		return next(ctx, req, call)
	}
}

// Wait sleeps for d or until ctx ends, mapping the latter to
// provider.ErrBackendTimeout the way a real backend call would surface it.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", provider.ErrBackendTimeout, context.Cause(ctx))
	}
}
