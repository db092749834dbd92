package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/lease"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/provider/mock"
	"github.com/GoCodeAlone/turnstile/task"
)

func keyFor(trig comms.Event) lease.Key {
	return lease.Key{RoomID: room, AgentType: "Helper", TriggerSeq: trig.Seq}
}

func lastReason(h *harness, tk *task.Task) string {
	trs, _ := h.sink.Timeline(context.Background(), task.Filter{TaskID: tk.ID})
	if len(trs) == 0 {
		return ""
	}
	return trs[len(trs)-1].Reason
}

func TestEvaluate_AnsweredWhileQueuedSkipsBackend(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-2", room)
	trig := h.post(t, "deploy now?")
	h.adm.afterGrant = func() {
		_, err := h.bus.Publish(context.Background(), comms.Event{
			RoomID: room, SenderID: "helper-1", SenderKind: comms.SenderAgent,
			AgentType: "Helper", Content: "yes", InReplyTo: trig.Seq,
		})
		require.NoError(t, err)
	}
	dec := mock.NewDecider(mock.Reply("also yes"))
	r := h.runtime(t, "Helper", "helper-2", dec, fastRetry)

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateSuperseded, tk.State)
	assert.Equal(t, []task.State{task.StateEvaluating, task.StateGranted, task.StateSuperseded}, h.states(tk))
	assert.Equal(t, lease.ReasonSameAgentType, lastReason(h, tk))
	assert.Zero(t, dec.Calls())
	assert.Equal(t, 0, h.adm.Stats().InUse)
	assert.Len(t, h.replies(t, trig.Seq), 1)
}

func TestEvaluate_SettledClaimStandsDown(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.claims = lease.NewClaims(lease.NewMemoryStore(), lease.ClaimConfig{})
	h.members.Join("helper-2", room)
	trig := h.post(t, "status?")

	ctx := context.Background()
	st, err := h.claims.Claim(ctx, keyFor(trig), "helper-1-task")
	require.NoError(t, err)
	require.Equal(t, lease.ClaimGranted, st)
	require.NoError(t, h.claims.Settle(ctx, keyFor(trig), "helper-1-task"))

	dec := mock.NewDecider(mock.Reply("green"))
	tk := h.runtime(t, "Helper", "helper-2", dec, fastRetry).Evaluate(ctx, trig)
	assert.Equal(t, task.StateSuperseded, tk.State)
	assert.Equal(t, ReasonClaimSettled, lastReason(h, tk))
	assert.Zero(t, h.adm.requests.Load())
	assert.Zero(t, dec.Calls())
}

func TestEvaluate_WaitsForLiveClaim(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.claims = lease.NewClaims(lease.NewMemoryStore(), lease.ClaimConfig{})
	h.members.Join("helper-2", room)
	trig := h.post(t, "status?")

	ctx := context.Background()
	st, err := h.claims.Claim(ctx, keyFor(trig), "helper-1-task")
	require.NoError(t, err)
	require.Equal(t, lease.ClaimGranted, st)

	dec := mock.NewDecider(mock.Reply("green"))
	r := h.runtime(t, "Helper", "helper-2", dec, fastRetry)
	done := make(chan *task.Task, 1)
	go func() { done <- r.Evaluate(ctx, trig) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.adm.requests.Load(), "sibling reached admission while the claim was held")

	// The holder gives up without calling; the waiter takes over.
	require.NoError(t, h.claims.Release(ctx, keyFor(trig), "helper-1-task"))
	select {
	case tk := <-done:
		assert.Equal(t, task.StatePosted, tk.State)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not take the released claim")
	}
	assert.Equal(t, 1, dec.Calls())
}

func TestEvaluate_WaiterSupersededWhenHolderAnswers(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.claims = lease.NewClaims(lease.NewMemoryStore(), lease.ClaimConfig{})
	h.members.Join("helper-2", room)
	trig := h.post(t, "status?")

	ctx := context.Background()
	_, err := h.claims.Claim(ctx, keyFor(trig), "helper-1-task")
	require.NoError(t, err)

	dec := mock.NewDecider(mock.Reply("green"))
	r := h.runtime(t, "Helper", "helper-2", dec, fastRetry)
	done := make(chan *task.Task, 1)
	go func() { done <- r.Evaluate(ctx, trig) }()

	time.Sleep(10 * time.Millisecond)
	_, err = h.bus.Publish(ctx, comms.Event{
		RoomID: room, SenderID: "helper-1", SenderKind: comms.SenderAgent,
		AgentType: "Helper", Content: "green", InReplyTo: trig.Seq,
	})
	require.NoError(t, err)

	select {
	case tk := <-done:
		assert.Equal(t, task.StateSuperseded, tk.State)
		assert.Equal(t, lease.ReasonSameAgentType, lastReason(h, tk))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not notice the answer")
	}
	assert.Zero(t, dec.Calls())
}

func TestEvaluate_ClaimReleasedWithoutCall(t *testing.T) {
	h := newHarness(t, admission.Config{MaxConcurrent: 1, MaxWait: 10 * time.Millisecond})
	h.claims = lease.NewClaims(lease.NewMemoryStore(), lease.ClaimConfig{})
	h.members.Join("helper-1", room)
	trig := h.post(t, "status?")

	ctx := context.Background()
	held, err := h.adm.Controller.Acquire(ctx, admission.Request{TaskID: "holder"})
	require.NoError(t, err)
	defer h.adm.Release(held)

	dec := mock.NewDecider(mock.Reply("green"))
	tk := h.runtime(t, "Helper", "helper-1", dec, fastRetry).Evaluate(ctx, trig)
	assert.Equal(t, task.StateSilent, tk.State)

	st, err := h.claims.Claim(ctx, keyFor(trig), "helper-2-task")
	require.NoError(t, err)
	assert.Equal(t, lease.ClaimGranted, st, "claim should be free after a task that never called")
}

func TestEvaluate_RetryKeepsSettledClaim(t *testing.T) {
	h := newHarness(t, admission.Config{Budget: 20 * time.Millisecond})
	h.claims = lease.NewClaims(lease.NewMemoryStore(), lease.ClaimConfig{})
	h.members.Join("helper-1", room)
	trig := h.post(t, "status?")

	dec := mock.NewDecider(func(ctx context.Context, _ provider.DecisionRequest, call int) (provider.Decision, error) {
		if call == 1 {
			<-ctx.Done()
			return provider.Decision{}, provider.ErrBackendTimeout
		}
		return provider.Decision{Respond: true, Confidence: 1, Reply: "green"}, nil
	})
	tk := h.runtime(t, "Helper", "helper-1", dec, fastRetry).Evaluate(context.Background(), trig)
	assert.Equal(t, task.StatePosted, tk.State)
	assert.Equal(t, 2, tk.Attempt)
	assert.Equal(t, 2, dec.Calls())

	st, err := h.claims.Claim(context.Background(), keyFor(trig), "helper-2-task")
	require.NoError(t, err)
	assert.Equal(t, lease.ClaimSettled, st)
}
