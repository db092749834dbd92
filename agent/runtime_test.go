package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/provider/mock"
)

func TestNewRuntime_ValidatesConfig(t *testing.T) {
	_, err := NewRuntime(Config{Identity: Identity{AgentType: "Helper"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.instance_id")
	assert.Contains(t, err.Error(), "decider")
}

func TestRuntime_Info(t *testing.T) {
	h := newHarness(t, admission.Config{})
	r := h.runtime(t, "Helper", "helper-1", mock.NewDecider(nil), fastRetry)
	info := r.Info()
	assert.Equal(t, "helper-1", info.InstanceID)
	assert.Equal(t, "Helper", info.AgentType)
	assert.Equal(t, "Helper", info.Name)
	assert.Equal(t, StatusIdle, info.Status)
}

func TestRuntime_StartStop(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	r := h.runtime(t, "Helper", "helper-1", mock.NewDecider(mock.Echo()), fastRetry)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.Error(t, r.Start(ctx), "second Start must fail")

	trig := h.post(t, "ping")
	require.Eventually(t, func() bool { return len(h.replies(t, trig.Seq)) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, StatusStopped, r.Info().Status)
	assert.Equal(t, uint64(1), r.Info().Posted)
}

func TestRuntime_CatchesUpUndeliveredEvents(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	dec := mock.NewDecider(mock.Echo())
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	r.cfg.CatchUpInterval = 5 * time.Millisecond

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop(ctx)

	// Logged but never fanned out, as when a full queue drops the tail.
	trig, err := h.bus.Log().Append(ctx, comms.Event{
		RoomID: room, SenderID: "alice", SenderKind: comms.SenderHuman, Content: "anyone?",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.replies(t, trig.Seq)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), r.Info().Evaluated)
	assert.Equal(t, 1, dec.Calls())
}

func TestRuntime_SkipsOwnAgentType(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	dec := mock.NewDecider(mock.Echo())
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	ctx := context.Background()

	r.Deliver(ctx, comms.Event{
		RoomID: room, SenderID: "helper-2", SenderKind: comms.SenderAgent, AgentType: "Helper", Seq: 1, Content: "mine",
	})
	r.Wait()
	assert.Equal(t, uint64(0), r.Info().Evaluated)

	trig := h.post(t, "hello")
	r.Deliver(ctx, trig)
	r.Wait()
	assert.Equal(t, uint64(1), r.Info().Evaluated)
	assert.Equal(t, 1, dec.Calls())
}

func TestRuntime_EchoDoesNotLoop(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	h.members.Join("critic-1", room)
	helper := h.runtime(t, "Helper", "helper-1", mock.NewDecider(mock.Echo()), fastRetry)
	critic := h.runtime(t, "Critic", "critic-1", mock.NewDecider(mock.Echo()), fastRetry)

	ctx := context.Background()
	team := NewTeam("test")
	team.AddAgent(helper)
	team.AddAgent(critic)
	require.NoError(t, team.Start(ctx))
	defer team.Stop(ctx)

	trig := h.post(t, "hi team")
	require.Eventually(t, func() bool { return len(h.replies(t, trig.Seq)) == 2 }, time.Second, time.Millisecond)

	// Each agent evaluates the human message and the other agent's reply,
	// and stays silent on the latter.
	require.Eventually(t, func() bool {
		infos := team.Infos()
		return infos[0].Evaluated == 2 && infos[1].Evaluated == 2
	}, time.Second, time.Millisecond)
	team.Wait()
	head, err := h.bus.Log().Head(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, trig.Seq+2, head)
}

func TestTeam_StartRollsBack(t *testing.T) {
	h := newHarness(t, admission.Config{})
	r := h.runtime(t, "Helper", "helper-1", mock.NewDecider(mock.Echo()), fastRetry)

	// The same runtime twice: the second Start fails after the first succeeded.
	team := NewTeam("test")
	team.AddAgent(r)
	team.AddAgent(r)

	err := team.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Equal(t, StatusStopped, r.Info().Status)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.n), "Backoff(%d)", tt.n)
	}
	assert.Equal(t, 400*time.Millisecond, RetryPolicy{BaseBackoff: 100 * time.Millisecond}.Backoff(3))
}

func TestStaticMembership(t *testing.T) {
	m := NewStaticMembership()
	assert.False(t, m.IsMember("a", "r"))
	m.Join("a", "r", "s")
	assert.True(t, m.IsMember("a", "r"))
	assert.True(t, m.IsMember("a", "s"))
	m.Leave("a", "r")
	assert.False(t, m.IsMember("a", "r"))
	assert.False(t, m.IsMember("b", "s"))
}
