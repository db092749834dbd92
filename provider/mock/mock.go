// Package mock provides scripted backends for tests and the demo daemon.
package mock

import (
	"context"
	"sync"

	"github.com/GoCodeAlone/turnstile/provider"
)

const defaultResponse = `{"respond":false,"confidence":0,"rationale":"mock provider"}`

// MockProvider is a provider.Provider that plays back a fixed script of
// replies and remembers every prompt it was sent.
type MockProvider struct {
	mu      sync.Mutex
	script  []string
	next    int
	fail    error
	prompts [][]provider.Message
}

// New returns a provider that answers with responses in order, wrapping
// around at the end. With no responses it always declines.
func New(responses ...string) *MockProvider {
	return &MockProvider{script: responses}
}

// Failing returns a provider whose every Chat call returns err.
func Failing(err error) *MockProvider {
	return &MockProvider{fail: err}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, append([]provider.Message(nil), messages...))
	if m.fail != nil {
		return nil, m.fail
	}
	content := defaultResponse
	if n := len(m.script); n > 0 {
		content = m.script[m.next%n]
		m.next++
	}
	return &provider.Response{Content: content}, nil
}

// Prompts returns copies of the message lists passed to Chat, oldest first.
func (m *MockProvider) Prompts() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]provider.Message(nil), m.prompts...)
}
