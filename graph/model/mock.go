package model

import (
	"context"
	"sync"
)

// MockChatModel is a test implementation of ChatModel.
//
// Responses are returned in order and the last one repeats. Respond, when
// set, takes precedence and computes the response from the call. Every call
// is recorded.
//
// Example:
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: "query"}, {Text: `{"confidence":0.9}`}},
//	}
type MockChatModel struct {
	// Responses contains the sequence of responses to return.
	Responses []ChatOut

	// Respond computes a response from the call. Optional.
	Respond func(messages []Message, tools []ToolSpec) (ChatOut, error)

	// Err, if set, is returned instead of a response.
	Err error

	// Errs are returned by the first len(Errs) calls, one each, before any
	// response. Useful for exercising retries.
	Errs []error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
	errIndex  int
}

// MockChatCall records a single invocation of Chat.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements the ChatModel interface.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    append([]ToolSpec(nil), tools...),
	})

	if m.errIndex < len(m.Errs) {
		err := m.Errs[m.errIndex]
		m.errIndex++
		return ChatOut{}, err
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Respond != nil {
		return m.Respond(messages, tools)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds the responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
	m.errIndex = 0
}

// CallCount returns the number of times Chat has been called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// LastCall returns the most recent call.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// NopChatModel answers every call with an empty completion and keeps no
// state, so it can serve a long-running process. Callers that parse the
// completion take their fallback paths.
type NopChatModel struct{}

// Chat implements the ChatModel interface.
func (NopChatModel) Chat(ctx context.Context, _ []Message, _ []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	return ChatOut{}, nil
}
