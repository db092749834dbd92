package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/publisher"
	"github.com/GoCodeAlone/turnstile/snapshot"
	"github.com/GoCodeAlone/turnstile/task"
)

const room = "room-1"

type harness struct {
	bus     *comms.InMemoryBus
	adm     *countingAdmitter
	snaps   *snapshot.Builder
	leases  *lease.Coordinator
	pub     *publisher.Publisher
	members *StaticMembership
	sink    *task.MemorySink
	// claims is wired into runtimes built after it is set.
	claims *lease.Claims
}

// countingAdmitter records how many times admission was requested and can
// run a hook between a grant and its return to the caller.
type countingAdmitter struct {
	*admission.Controller
	requests   atomic.Int64
	afterGrant func()
}

func (c *countingAdmitter) Acquire(ctx context.Context, req admission.Request) (*admission.Token, error) {
	c.requests.Add(1)
	tok, err := c.Controller.Acquire(ctx, req)
	if err == nil && c.afterGrant != nil {
		c.afterGrant()
	}
	return tok, err
}

func newHarness(t *testing.T, admCfg admission.Config) *harness {
	t.Helper()
	log := comms.NewMemoryLog()
	bus := comms.NewInMemoryBus(log, nil)
	t.Cleanup(bus.Close)
	snaps := snapshot.NewBuilder(log, snapshot.Config{})
	leases, err := lease.New(lease.NewMemoryStore(), snaps, lease.Config{Secret: []byte("test")})
	require.NoError(t, err)
	return &harness{
		bus:     bus,
		adm:     &countingAdmitter{Controller: admission.New(admCfg)},
		snaps:   snaps,
		leases:  leases,
		pub:     publisher.New(bus, leases, nil),
		members: NewStaticMembership(),
		sink:    task.NewMemorySink(),
	}
}

func (h *harness) runtime(t *testing.T, agentType, instanceID string, dec provider.Decider, retry RetryPolicy) *Runtime {
	t.Helper()
	cfg := Config{
		Identity:    Identity{AgentType: agentType, InstanceID: instanceID, Rooms: []string{room}},
		Personality: &Personality{Name: agentType, SystemPrompt: "You are " + agentType + "."},
		Bus:         h.bus,
		Membership:  h.members,
		Admission:   h.adm,
		Snapshots:   h.snaps,
		Decider:     dec,
		Leases:      h.leases,
		Publisher:   h.pub,
		Sink:        h.sink,
		Retry:       retry,
		ClaimPoll:   time.Millisecond,
	}
	if h.claims != nil {
		cfg.Claims = h.claims
	}
	r, err := NewRuntime(cfg)
	require.NoError(t, err)
	return r
}

func (h *harness) post(t *testing.T, content string) comms.Event {
	t.Helper()
	ev, err := h.bus.Publish(context.Background(), comms.Event{
		RoomID: room, SenderID: "alice", SenderKind: comms.SenderHuman, Content: content,
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) replies(t *testing.T, trigger int64) []comms.Event {
	t.Helper()
	evs, err := h.snaps.Replies(context.Background(), room, trigger)
	require.NoError(t, err)
	return evs
}

func (h *harness) states(tk *task.Task) []task.State {
	trs, _ := h.sink.Timeline(context.Background(), task.Filter{TaskID: tk.ID})
	out := make([]task.State, len(trs))
	for i, tr := range trs {
		out[i] = tr.To
	}
	return out
}

var fastRetry = RetryPolicy{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
