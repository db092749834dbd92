package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/provider"
	"github.com/GoCodeAlone/turnstile/provider/mock"
	"github.com/GoCodeAlone/turnstile/task"
)

func TestEvaluate_MembershipDeniedDoesNoWork(t *testing.T) {
	h := newHarness(t, admission.Config{})
	dec := mock.NewDecider(mock.Reply("hi"))
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	trig := h.post(t, "hello?")

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateAborted, tk.State)
	assert.Equal(t, int64(0), h.adm.requests.Load())
	assert.Equal(t, 0, dec.Calls())
	assert.Empty(t, h.replies(t, trig.Seq))

	trs, _ := h.sink.Timeline(context.Background(), task.Filter{TaskID: tk.ID})
	require.Len(t, trs, 2)
	assert.Equal(t, task.ReasonMembershipDenied, trs[1].Reason)
}

func TestEvaluate_Posts(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	r := h.runtime(t, "Helper", "helper-1", mock.NewDecider(mock.Reply("4")), fastRetry)
	trig := h.post(t, "2+2?")

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StatePosted, tk.State)
	assert.Equal(t, []task.State{
		task.StateEvaluating, task.StateGranted, task.StateCalling, task.StateDecided, task.StatePosted,
	}, h.states(tk))

	got := h.replies(t, trig.Seq)
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].Content)
	assert.Equal(t, "Helper", got[0].AgentType)
	assert.Equal(t, "helper-1", got[0].SenderID)
	assert.Equal(t, 0, h.adm.Stats().InUse)
	assert.Equal(t, uint64(1), r.Info().Posted)
}

func TestEvaluate_Declines(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	r := h.runtime(t, "Helper", "helper-1", mock.NewDecider(mock.Always(provider.Decision{Confidence: 0.3, Rationale: "nobody asked me"})), fastRetry)
	trig := h.post(t, "hi")

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateSilent, tk.State)
	assert.Empty(t, h.replies(t, trig.Seq))
}

func TestEvaluate_MalformedDecisionIsSilent(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	chat := provider.NewChatDecider(mock.New("I think I should answer!"))
	r := h.runtime(t, "Helper", "helper-1", chat, fastRetry)
	trig := h.post(t, "hi")

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateSilent, tk.State)
	trs, _ := h.sink.Timeline(context.Background(), task.Filter{TaskID: tk.ID})
	assert.Equal(t, task.ReasonMalformedDecision, trs[len(trs)-1].Reason)
}

func TestEvaluate_AdmissionRejectedIsSilent(t *testing.T) {
	h := newHarness(t, admission.Config{MaxConcurrent: 1, MaxWait: 10 * time.Millisecond})
	h.members.Join("helper-1", room)
	held, err := h.adm.Controller.Acquire(context.Background(), admission.Request{TaskID: "hog"})
	require.NoError(t, err)
	defer h.adm.Release(held)

	dec := mock.NewDecider(mock.Reply("x"))
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	tk := r.Evaluate(context.Background(), h.post(t, "hi"))
	assert.Equal(t, task.StateSilent, tk.State)
	assert.Equal(t, 0, dec.Calls())
}

func TestEvaluate_RetriesAfterTimeout(t *testing.T) {
	h := newHarness(t, admission.Config{Budget: 30 * time.Millisecond})
	h.members.Join("helper-1", room)

	var snapshots []int64
	dec := mock.NewDecider(func(ctx context.Context, req provider.DecisionRequest, call int) (provider.Decision, error) {
		snapshots = append(snapshots, req.Snapshot.TriggerSeq())
		if call == 1 {
			<-ctx.Done()
			return provider.Decision{}, provider.ErrBackendTimeout
		}
		return provider.Decision{Respond: true, Confidence: 1, Reply: "late but here"}, nil
	})
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	trig := h.post(t, "q")
	h.post(t, "later chatter")

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StatePosted, tk.State)
	assert.Equal(t, 2, tk.Attempt)
	assert.Equal(t, []int64{trig.Seq, trig.Seq}, snapshots)
	assert.Equal(t, uint64(1), h.adm.Stats().Reclaimed)
	assert.Contains(t, h.states(tk), task.StateTimedOut)
}

func TestEvaluate_RetriesExhausted(t *testing.T) {
	h := newHarness(t, admission.Config{Budget: 10 * time.Millisecond})
	h.members.Join("helper-1", room)
	dec := mock.NewDecider(mock.Delay(time.Second, mock.Reply("never")))
	r := h.runtime(t, "Helper", "helper-1", dec, RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond})

	tk := r.Evaluate(context.Background(), h.post(t, "q"))
	assert.Equal(t, task.StateAborted, tk.State)
	assert.Equal(t, 3, dec.Calls())
	trs, _ := h.sink.Timeline(context.Background(), task.Filter{TaskID: tk.ID})
	assert.Equal(t, task.ReasonRetriesExhausted, trs[len(trs)-1].Reason)
}

func TestEvaluate_BackendErrorRetried(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	dec := mock.NewDecider(func(_ context.Context, _ provider.DecisionRequest, call int) (provider.Decision, error) {
		if call == 1 {
			return provider.Decision{}, errors.New("502 bad gateway")
		}
		return provider.Decision{Respond: true, Confidence: 1, Reply: "ok"}, nil
	})
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)
	tk := r.Evaluate(context.Background(), h.post(t, "q"))
	assert.Equal(t, task.StatePosted, tk.State)
	assert.Equal(t, 2, dec.Calls())
}

func TestEvaluate_RetrySupersededWhenAnswered(t *testing.T) {
	h := newHarness(t, admission.Config{Budget: 20 * time.Millisecond})
	h.members.Join("helper-1", room)
	trig := h.post(t, "q")

	dec := mock.NewDecider(func(ctx context.Context, _ provider.DecisionRequest, call int) (provider.Decision, error) {
		// A sibling instance answers while this call hangs.
		_, err := h.bus.Publish(context.Background(), comms.Event{
			RoomID: room, SenderID: "helper-2", SenderKind: comms.SenderAgent,
			AgentType: "Helper", Content: "answered", InReplyTo: trig.Seq,
		})
		require.NoError(t, err)
		<-ctx.Done()
		return provider.Decision{}, provider.ErrBackendTimeout
	})
	r := h.runtime(t, "Helper", "helper-1", dec, RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond})

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateSuperseded, tk.State)
	assert.Equal(t, 1, dec.Calls())
	assert.Equal(t, int64(1), h.adm.requests.Load())
	assert.Len(t, h.replies(t, trig.Seq), 1)
}

func TestEvaluate_SupersededByEquivalentContent(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	trig := h.post(t, "what is 2+2?")

	dec := mock.NewDecider(func(context.Context, provider.DecisionRequest, int) (provider.Decision, error) {
		// Another agent type posts the same answer while this one decides.
		_, err := h.bus.Publish(context.Background(), comms.Event{
			RoomID: room, SenderID: "critic-1", SenderKind: comms.SenderAgent,
			AgentType: "Critic", Content: "It's 4.", InReplyTo: trig.Seq,
		})
		require.NoError(t, err)
		return provider.Decision{Respond: true, Confidence: 1, Reply: "it's 4"}, nil
	})
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)

	tk := r.Evaluate(context.Background(), trig)
	assert.Equal(t, task.StateSuperseded, tk.State)
	assert.Empty(t, tk.LeaseToken)
	assert.Len(t, h.replies(t, trig.Seq), 1)
}

func TestEvaluate_CancelledContextAborts(t *testing.T) {
	h := newHarness(t, admission.Config{})
	h.members.Join("helper-1", room)
	ctx, cancel := context.WithCancel(context.Background())
	dec := mock.NewDecider(func(ctx context.Context, _ provider.DecisionRequest, _ int) (provider.Decision, error) {
		cancel()
		<-ctx.Done()
		return provider.Decision{}, provider.ErrBackendTimeout
	})
	r := h.runtime(t, "Helper", "helper-1", dec, fastRetry)

	tk := r.Evaluate(ctx, h.post(t, "q"))
	assert.Equal(t, task.StateAborted, tk.State)
	assert.Equal(t, 1, dec.Calls())
}
