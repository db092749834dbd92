// Package api defines the REST API handlers for the turnstile server.
package api

import (
	"context"

	"github.com/GoCodeAlone/turnstile/admission"
	"github.com/GoCodeAlone/turnstile/agent"
	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/engine"
	"github.com/GoCodeAlone/turnstile/task"
)

// Engine is the part of the coordination engine the API drives.
type Engine interface {
	PostHuman(ctx context.Context, roomID, senderID, content string) (comms.Event, error)
	Events(ctx context.Context, roomID string, after int64, limit int) ([]comms.Event, error)
	Agents() []agent.Info
	Transitions(ctx context.Context, f task.Filter) ([]task.Transition, error)
	Admission() admission.Stats
	Rooms() []string
	Status() engine.Status
}

var _ Engine = (*engine.Engine)(nil)
