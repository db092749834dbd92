package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/snapshot"
)

var (
	// ErrBackendTimeout means the call did not finish before its context ended.
	ErrBackendTimeout = errors.New("provider: backend timeout")
	// ErrMalformedDecision means the backend answered with something that
	// is not a valid decision.
	ErrMalformedDecision = errors.New("provider: malformed decision")
)

// Decision is a backend's verdict on one trigger.
type Decision struct {
	Respond    bool    `json:"respond"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	Reply      string  `json:"reply,omitempty"`
}

// Validate checks the decision's internal consistency.
func (d Decision) Validate() error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDecision, d.Confidence)
	}
	if d.Respond && strings.TrimSpace(d.Reply) == "" {
		return fmt.Errorf("%w: respond without reply", ErrMalformedDecision)
	}
	return nil
}

// DecisionRequest is everything a backend sees for one evaluation.
type DecisionRequest struct {
	AgentType  string
	InstanceID string
	Persona    string
	Snapshot   *snapshot.Snapshot
}

// Decider produces a Decision for a request.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, error)
}

// ChatDecider adapts a chat Provider to a Decider by prompting for a JSON
// decision object.
type ChatDecider struct {
	provider Provider
}

// NewChatDecider wraps p.
func NewChatDecider(p Provider) *ChatDecider {
	return &ChatDecider{provider: p}
}

const decisionInstructions = `You are %s, one of several agents in a shared chat room.
%s
Decide whether you should reply to the trigger message. Reply only when you add something the room needs.
Answer with a single JSON object and nothing else:
{"respond": bool, "confidence": number between 0 and 1, "rationale": string, "reply": string}
Set "reply" to the message you would post, or "" when respond is false.`

// Decide sends the snapshot to the provider and parses its answer.
func (d *ChatDecider) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	resp, err := d.provider.Chat(ctx, BuildPrompt(req))
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrBackendTimeout, context.Cause(ctx))
		}
		return Decision{}, fmt.Errorf("%s chat: %w", d.provider.Name(), err)
	}
	return ParseDecision(resp.Content)
}

// BuildPrompt renders a decision request as chat messages: the persona and
// output contract as the system turn, the transcript as the user turn.
func BuildPrompt(req DecisionRequest) []Message {
	var b strings.Builder
	if req.Snapshot != nil {
		if req.Snapshot.Truncated() {
			b.WriteString("(earlier messages omitted)\n")
		}
		for _, ev := range req.Snapshot.Events() {
			writeLine(&b, ev)
		}
		fmt.Fprintf(&b, "\nTrigger message: #%d\n", req.Snapshot.TriggerSeq())
	}
	return []Message{
		{Role: RoleSystem, Content: fmt.Sprintf(decisionInstructions, req.AgentType, req.Persona)},
		{Role: RoleUser, Content: b.String()},
	}
}

func writeLine(b *strings.Builder, ev comms.Event) {
	who := ev.SenderID
	if ev.SenderKind == comms.SenderAgent && ev.AgentType != "" {
		who = fmt.Sprintf("%s (%s)", ev.SenderID, ev.AgentType)
	}
	fmt.Fprintf(b, "#%d %s: %s\n", ev.Seq, who, ev.Content)
}

// ParseDecision extracts a Decision from model output, tolerating a
// surrounding Markdown code fence.
func ParseDecision(s string) (Decision, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var d Decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}
