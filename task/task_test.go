package task

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateEvaluating, true},
		{StateIdle, StateGranted, false},
		{StateEvaluating, StateGranted, true},
		{StateEvaluating, StateSilent, true},
		{StateEvaluating, StateCalling, false},
		{StateGranted, StateCalling, true},
		{StateGranted, StateSuperseded, true},
		{StateGranted, StateSilent, false},
		{StateCalling, StateDecided, true},
		{StateCalling, StateTimedOut, true},
		{StateCalling, StatePosted, false},
		{StateDecided, StatePosted, true},
		{StateDecided, StateSuperseded, true},
		{StateTimedOut, StateEvaluating, true},
		{StateTimedOut, StateSuperseded, true},
		{StateTimedOut, StateCalling, false},
		{StateGranted, StateAborted, true},
		{StatePosted, StateAborted, false},
		{StateSilent, StateEvaluating, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAdvance_CountsAttempts(t *testing.T) {
	tk := New("room-1", 7, "Helper", "helper-1")
	steps := []State{StateEvaluating, StateGranted, StateCalling, StateTimedOut, StateEvaluating, StateGranted}
	for _, s := range steps {
		if _, err := tk.Advance(s, ""); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if tk.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", tk.Attempt)
	}
	if tk.State != StateGranted {
		t.Errorf("State = %s, want granted", tk.State)
	}
}

func TestAdvance_RejectsInvalid(t *testing.T) {
	tk := New("room-1", 7, "Helper", "helper-1")
	_, err := tk.Advance(StatePosted, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if tk.State != StateIdle {
		t.Errorf("State changed to %s on rejected transition", tk.State)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	a := New("room-1", 1, "Helper", "helper-1")
	record(t, sink, a, StateEvaluating, "")
	record(t, sink, a, StateAborted, ReasonMembershipDenied)
	b := New("room-1", 1, "Critic", "critic-1")
	record(t, sink, b, StateEvaluating, "")

	got, _ := sink.Timeline(context.Background(), Filter{TaskID: a.ID})
	if len(got) != 2 || got[1].Reason != ReasonMembershipDenied {
		t.Errorf("timeline = %+v", got)
	}
	final := sink.Final(Filter{TriggerSeq: 1})
	if final[a.ID] != StateAborted || final[b.ID] != StateEvaluating {
		t.Errorf("final = %v", final)
	}
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := MultiSink{NewLogSink(logger), NewMemorySink()}
	ctx := context.Background()

	sink.Record(ctx, Transition{TaskID: "t1", To: StateAborted, Reason: ReasonMembershipDenied})
	if buf.Len() != 0 {
		t.Errorf("membership denial logged above debug: %s", buf.String())
	}
	sink.Record(ctx, Transition{TaskID: "t2", To: StateSilent, Reason: ReasonMalformedDecision})
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "task_id=t2") {
		t.Errorf("malformed decision not logged at warn: %s", buf.String())
	}
}
