// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/interruptgraph/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "claude-3-5-haiku-latest"

const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Messages API.
//
// System messages are sent through the separate system parameter. Tool specs
// become Claude tools and tool_use blocks come back as model.ToolCall.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
type ChatModel struct {
	modelName string
	client    anthropicClient
}

// anthropicClient is the API surface used by ChatModel. Tests replace it.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a ChatModel. An empty modelName selects DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// ModelName returns the configured model.
func (m *ChatModel) ModelName() string {
	return m.modelName
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)
	if len(conversation) == 0 {
		return model.ChatOut{}, errors.New("anthropic: at least one non-system message is required")
	}

	out, err := m.client.createMessage(ctx, systemPrompt, conversation, tools)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return out, nil
}

// extractSystemPrompt separates system messages from the conversation.
// Multiple system messages are joined with a blank line.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return systemPrompt, conversation
}

// translateError maps SDK errors to APIError so callers can classify them
// without importing the SDK.
func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, err: err}
	}
	return err
}

// APIError is a failed API response.
type APIError struct {
	StatusCode int
	err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: status %d: %v", e.StatusCode, e.err)
}

func (e *APIError) Unwrap() error { return e.err }

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode == 529 || e.StatusCode >= 500
}

// defaultClient calls the Messages API through the official SDK.
type defaultClient struct {
	apiKey    string
	modelName string
	client    *anthropic.Client
}

func (c *defaultClient) sdk() (*anthropic.Client, error) {
	if c.apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if c.client == nil {
		client := anthropic.NewClient(option.WithAPIKey(c.apiKey))
		c.client = &client
	}
	return c.client, nil
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	client, err := c.sdk()
	if err != nil {
		return model.ChatOut{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}
	return convertResponse(message)
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, spec := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: spec.Schema["properties"],
		}
		if required, ok := spec.Schema["required"]; ok {
			schema.ExtraFields = map[string]any{"required": required}
		}
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			InputSchema: schema,
		}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func convertResponse(message *anthropic.Message) (model.ChatOut, error) {
	out := model.ChatOut{
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			call, err := toolCall(block.Name, block.Input)
			if err != nil {
				return model.ChatOut{}, err
			}
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	return out, nil
}

func toolCall(name string, raw json.RawMessage) (model.ToolCall, error) {
	call := model.ToolCall{Name: name}
	if len(raw) == 0 {
		return call, nil
	}
	if err := json.Unmarshal(raw, &call.Input); err != nil {
		return model.ToolCall{}, fmt.Errorf("anthropic: tool %s input: %w", name, err)
	}
	return call, nil
}
