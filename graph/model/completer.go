package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/interruptgraph/graph"
)

var (
	// ErrUnknownTool indicates an allowed tool name is not in the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolNotAllowed indicates the model asked for a tool outside the
	// call's allowed set.
	ErrToolNotAllowed = errors.New("tool not allowed")
)

// ToolCatalog resolves tool names to specs. tool.Registry implements it.
type ToolCatalog interface {
	// Specs returns the specs of the named tools, in order. Unknown names
	// fail with an error wrapping ErrUnknownTool.
	Specs(names ...string) ([]ToolSpec, error)
}

// Prompt is the input of a completion call.
type Prompt struct {
	// Purpose labels the call in cost records and logs, e.g. "classify".
	Purpose string

	// System is sent as the system message when non-empty.
	System string

	// Messages is the conversation.
	Messages []Message
}

// Completion is the output of a completion call.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Completer is the capability-scoped completion call used by workflow
// steps. Each call names the tools it may use; the model cannot reach any
// other tool through it.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt, allowedTools []string) (Completion, error)
}

// ScopedCompleter implements Completer on top of a ChatModel.
//
// It resolves the allowed tool names against its catalog before calling the
// model, rejects tool calls outside the allowed set, retries transient
// failures and records usage.
type ScopedCompleter struct {
	model     ChatModel
	modelName string
	tools     ToolCatalog
	retry     *graph.RetryPolicy
	costs     *CostTracker
}

// CompleterOption configures a ScopedCompleter.
type CompleterOption func(*ScopedCompleter)

// WithRetry sets the retry policy for transient provider errors.
func WithRetry(p *graph.RetryPolicy) CompleterOption {
	return func(c *ScopedCompleter) {
		c.retry = p
	}
}

// WithCostTracker records the usage of every successful call.
func WithCostTracker(ct *CostTracker) CompleterOption {
	return func(c *ScopedCompleter) {
		c.costs = ct
	}
}

// NewScopedCompleter returns a Completer for m. modelName is used for cost
// accounting. tools may be nil when no call uses tools.
func NewScopedCompleter(m ChatModel, modelName string, tools ToolCatalog, opts ...CompleterOption) *ScopedCompleter {
	c := &ScopedCompleter{
		model:     m,
		modelName: modelName,
		tools:     tools,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements Completer.
func (c *ScopedCompleter) Complete(ctx context.Context, prompt Prompt, allowedTools []string) (Completion, error) {
	var specs []ToolSpec
	if len(allowedTools) > 0 {
		if c.tools == nil {
			return Completion{}, fmt.Errorf("%w: %s", ErrUnknownTool, strings.Join(allowedTools, ", "))
		}
		var err error
		specs, err = c.tools.Specs(allowedTools...)
		if err != nil {
			return Completion{}, err
		}
	}

	messages := make([]Message, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: prompt.System})
	}
	messages = append(messages, prompt.Messages...)

	var out ChatOut
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.model.Chat(ctx, messages, specs)
		return err
	})
	if err != nil {
		return Completion{}, fmt.Errorf("completion %s: %w", prompt.Purpose, err)
	}

	if c.costs != nil {
		c.costs.Record(c.modelName, prompt.Purpose, out.Usage)
	}

	allowed := make(map[string]struct{}, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = struct{}{}
	}
	for _, call := range out.ToolCalls {
		if _, ok := allowed[call.Name]; !ok {
			return Completion{}, fmt.Errorf("%w: %s", ErrToolNotAllowed, call.Name)
		}
	}

	return Completion{
		Text:      out.Text,
		ToolCalls: out.ToolCalls,
		Usage:     out.Usage,
	}, nil
}

// IsTransient reports whether err looks like a temporary provider failure:
// rate limiting, overload, a 5xx status, or a network timeout. It is the
// default Retryable predicate for provider calls.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"429", "rate limit", "rate_limit", "too many requests",
		"overloaded", "500", "502", "503", "504",
		"timeout", "connection reset", "connection refused", "temporary",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// DefaultRetryPolicy retries transient provider errors three times.
func DefaultRetryPolicy() *graph.RetryPolicy {
	return &graph.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500_000_000,
		MaxDelay:    8_000_000_000,
		Retryable:   IsTransient,
	}
}
