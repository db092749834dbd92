// Package task defines the evaluation task state machine and the sinks
// that record its transitions.
package task

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned by Advance for an edge the state
// machine does not allow.
var ErrInvalidTransition = errors.New("task: invalid transition")

// State is a point in an evaluation task's lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateGranted    State = "granted"
	StateCalling    State = "calling"
	StateDecided    State = "decided"
	StateTimedOut   State = "timed_out"
	StatePosted     State = "posted"
	StateSilent     State = "silent"
	StateSuperseded State = "superseded"
	StateAborted    State = "aborted"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StatePosted, StateSilent, StateSuperseded, StateAborted:
		return true
	}
	return false
}

// Any non-terminal state may also move to StateAborted.
var transitions = map[State][]State{
	StateIdle:       {StateEvaluating},
	StateEvaluating: {StateGranted, StateSilent, StateSuperseded},
	StateGranted:    {StateCalling, StateSuperseded},
	StateCalling:    {StateDecided, StateTimedOut, StateSilent},
	StateDecided:    {StatePosted, StateSilent, StateSuperseded},
	StateTimedOut:   {StateEvaluating, StateSuperseded},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateAborted {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Task is one agent instance's evaluation of one trigger event.
type Task struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	TriggerSeq int64     `json:"trigger_seq"`
	AgentType  string    `json:"agent_type"`
	InstanceID string    `json:"instance_id"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt"`
	LeaseToken string    `json:"lease_token,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// New creates an idle task with a fresh ID.
func New(roomID string, triggerSeq int64, agentType, instanceID string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		TriggerSeq: triggerSeq,
		AgentType:  agentType,
		InstanceID: instanceID,
		State:      StateIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition is the observability record of one state change.
type Transition struct {
	TaskID     string    `json:"task_id"`
	RoomID     string    `json:"room_id"`
	AgentType  string    `json:"agent_type"`
	InstanceID string    `json:"instance_id"`
	TriggerSeq int64     `json:"trigger_seq"`
	Attempt    int       `json:"attempt"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Advance moves the task to state to and returns the record describing
// the change. Entering StateEvaluating from StateIdle or StateTimedOut
// starts a new attempt.
func (t *Task) Advance(to State, reason string) (Transition, error) {
	if !CanTransition(t.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.State, to, t.ID)
	}
	from := t.State
	if to == StateEvaluating {
		t.Attempt++
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	return Transition{
		TaskID:     t.ID,
		RoomID:     t.RoomID,
		AgentType:  t.AgentType,
		InstanceID: t.InstanceID,
		TriggerSeq: t.TriggerSeq,
		Attempt:    t.Attempt,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         t.UpdatedAt,
	}, nil
}

// Filter selects transitions for a timeline.
type Filter struct {
	RoomID     string `json:"room_id,omitempty"`
	TriggerSeq int64  `json:"trigger_seq,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	AgentType  string `json:"agent_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (f Filter) match(tr Transition) bool {
	return (f.RoomID == "" || tr.RoomID == f.RoomID) &&
		(f.TriggerSeq == 0 || tr.TriggerSeq == f.TriggerSeq) &&
		(f.TaskID == "" || tr.TaskID == f.TaskID) &&
		(f.AgentType == "" || tr.AgentType == f.AgentType)
}
