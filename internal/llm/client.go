// Package llm is the language-model collaborator of llm steps.
package llm

import (
	"context"
	"errors"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the model's answer.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("no LLM endpoint configured")

// Unconfigured fails every call. It stands in when llm_base_url is empty so
// that workflows without llm steps still run.
type Unconfigured struct{}

func (Unconfigured) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrNotConfigured
}
