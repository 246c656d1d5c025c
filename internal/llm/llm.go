// Package llm defines the model-call interface the orchestration core
// consumes. The core never talks to a provider directly; hosts supply a
// Handler and may wrap it with Resilient for rate limiting, bounded retry,
// and circuit breaking.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider-neutral shape of one model round-trip.
type Response struct {
	Content   string     `json:"content"`
	Role      string     `json:"role"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Handler is a single async model call. Implementations are provided by the
// host; the core treats every call as cancellable via ctx.
type Handler interface {
	Generate(ctx context.Context, messages []Message) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, messages []Message) (*Response, error)

// Generate calls f.
func (f HandlerFunc) Generate(ctx context.Context, messages []Message) (*Response, error) {
	return f(ctx, messages)
}
