// Package model provides completion provider integration.
package model

import "context"

// ChatModel defines the interface for LLM chat providers.
//
// This interface abstracts the differences between providers (Anthropic,
// OpenAI, Google) behind one chat-based API.
//
// Implementations should:
//   - Convert Message values to the provider's format
//   - Parse provider responses into ChatOut, including token usage
//   - Respect context cancellation and timeouts
//
// Workflow steps do not call ChatModel directly; they go through a
// Completer, which limits the tools a call may use.
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response.
	//
	// The LLM may respond with text, tool calls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool that an LLM can call.
//
// Schema follows JSON Schema and describes the expected input parameters.
//
// Example:
//
//	spec := model.ToolSpec{
//	    Name:        "list_fields",
//	    Description: "List the fields of a model explore",
//	    Schema: map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "model":   map[string]any{"type": "string"},
//	            "explore": map[string]any{"type": "string"},
//	        },
//	        "required": []string{"model", "explore"},
//	    },
//	}
type ToolSpec struct {
	// Name uniquely identifies the tool.
	Name string

	// Description explains what the tool does.
	Description string

	// Schema defines the tool's input parameters. Optional.
	Schema map[string]any
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the LLM's generated response.
	Text string

	// ToolCalls contains tools the LLM wants to invoke.
	ToolCalls []ToolCall

	// Usage reports the tokens consumed by the call, when the provider
	// returns it.
	Usage Usage
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCall represents a request from the LLM to invoke a specific tool.
type ToolCall struct {
	// Name identifies which tool to call.
	Name string

	// Input contains the parameters for the tool call.
	Input map[string]any
}
