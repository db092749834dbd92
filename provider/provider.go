// Package provider defines the backend interface agents consult to decide
// whether, and what, to reply.
package provider

import "context"

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response is a completed provider response.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider is a chat completion backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string

	// Chat sends the conversation and returns the complete response. It must
	// return promptly once ctx is done.
	Chat(ctx context.Context, messages []Message) (*Response, error)
}
