// Package provider abstracts the LLM backends behind the agent
// execution service.
package provider

import (
	"context"
	"time"
)

// Provider is a single LLM backend.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ProviderConfig configures a backend.
type ProviderConfig struct {
	ID       string
	Type     string
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Extra    map[string]string
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a provider-neutral chat completion response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
