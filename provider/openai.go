package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com"
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultOpenAIMaxTokens = 1024

	completionsPath = "/v1/chat/completions"
	maxResponseBody = 1 << 20
)

// OpenAIConfig configures a backend speaking the Chat Completions API.
// Any compatible server works when BaseURL points at it.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	// Temperature is sent as-is. Gating decisions want 0.
	Temperature float64
	HTTPClient  *http.Client
}

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("openai: status %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// OpenAIProvider is a Provider backed by an OpenAI-compatible server.
type OpenAIProvider struct {
	config   OpenAIConfig
	endpoint string
}

// NewOpenAIProvider fills defaults into cfg and returns a provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{
		config:   cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + completionsPath,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string      `json:"model"`
	Messages       []chatTurn  `json:"messages"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	Temperature    float64     `json:"temperature"`
	ResponseFormat *chatFormat `json:"response_format,omitempty"`
}

type chatReply struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatTurn `json:"message"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildRequest(messages []Message) chatRequest {
	turns := make([]chatTurn, len(messages))
	for i, m := range messages {
		turns[i] = chatTurn{Role: string(m.Role), Content: m.Content}
	}
	return chatRequest{
		Model:          p.config.Model,
		Messages:       turns,
		MaxTokens:      p.config.MaxTokens,
		Temperature:    p.config.Temperature,
		ResponseFormat: &chatFormat{Type: "json_object"},
	}
}

// Chat asks for a JSON-object completion. Non-2xx replies come back as
// *APIError; transport failures are returned wrapped.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	var reply chatReply
	if err := p.post(ctx, p.buildRequest(messages), &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Type: reply.Error.Type, Message: reply.Error.Message}
	}
	if len(reply.Choices) == 0 {
		return nil, errors.New("openai: reply has no choices")
	}
	return &Response{
		Content: reply.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, in chatRequest, out *chatReply) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("openai: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiErrorFrom(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("openai: decode reply: %w", err)
	}
	return nil
}

func apiErrorFrom(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wrapped chatReply
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Type = wrapped.Error.Type
		apiErr.Message = wrapped.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
