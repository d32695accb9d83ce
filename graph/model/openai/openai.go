// Package openai provides a ChatModel adapter for OpenAI's chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/interruptgraph/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Transient failures are reported as *APIError with Temporary() true so a
// model.ScopedCompleter retry policy can act on them.
//
// Example usage:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
type ChatModel struct {
	modelName string
	client    openaiClient
}

// openaiClient is the API surface used by ChatModel. Tests replace it.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
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

	out, err := m.client.createChatCompletion(ctx, messages, tools)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return out, nil
}

func translateError(err error) error {
	var apiErr *openai.Error
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
	return fmt.Sprintf("openai: status %d: %v", e.StatusCode, e.err)
}

func (e *APIError) Unwrap() error { return e.err }

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// RateLimited reports whether the API rejected the request for rate limits.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429
}

// defaultClient calls the chat completions API through the official SDK.
type defaultClient struct {
	apiKey    string
	modelName string
	client    *openai.Client
}

func (c *defaultClient) sdk() (*openai.Client, error) {
	if c.apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if c.client == nil {
		client := openai.NewClient(option.WithAPIKey(c.apiKey))
		c.client = &client
	}
	return c.client, nil
}

func (c *defaultClient) createChatCompletion(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	client, err := c.sdk()
	if err != nil {
		return model.ChatOut{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, err
	}
	return convertResponse(completion)
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, spec := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Schema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertResponse(completion *openai.ChatCompletion) (model.ChatOut, error) {
	out := model.ChatOut{
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) == 0 {
		return out, nil
	}

	msg := completion.Choices[0].Message
	out.Text = msg.Content
	for _, tc := range msg.ToolCalls {
		call := model.ToolCall{Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Input); err != nil {
				return model.ChatOut{}, fmt.Errorf("openai: tool %s arguments: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}
