// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement.
// The orchestration core never inspects model internals; it only
// branches on presence or absence of tool calls in the reply.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// think asks thinking-capable models to expose their reasoning
	// trace; providers that do not support it ignore the flag.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, think bool) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
