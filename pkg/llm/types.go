// Package llm defines the chat inference contract the orchestrator
// consumes and an adapter for OpenAI-compatible endpoints. The
// orchestrator only ever sees Chat(messages, options) -> content+usage;
// provider specifics stay behind the Client interface.
package llm

import (
	"context"

	"github.com/remingtons1/colony/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one inference call. Model may be empty, in which
// case the client picks from its tier table (or its default model).
type ChatRequest struct {
	Messages    []Message
	Model       string
	Tier        models.Tier
	Temperature *float64
	MaxTokens   int

	// ResponseFormat is "json_object" to force a JSON response, empty
	// for plain text.
	ResponseFormat string
}

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse is the result of one inference call.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// Client is the inference contract. Transient provider failures
// (HTTP 429/5xx) are retried inside the client up to its budget; other
// errors surface immediately.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
