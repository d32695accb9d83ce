package tool

import (
	"context"
	"sync"
)

// MockTool is a test implementation of Tool.
//
// Responses are returned in order and the last one repeats. Err, when set,
// is returned instead. Every call is recorded.
//
// Example usage:
//
//	mock := &MockTool{
//	    ToolName:  "list_fields",
//	    Responses: []map[string]any{{"fields": []string{"net_revenue"}}},
//	}
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Responses contains the sequence of outputs to return.
	Responses []map[string]any

	// Err, if set, will be returned by Call() instead of a response.
	Err error

	// Calls tracks the history of all Call() invocations.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]any
}

// Name implements the Tool interface.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements the Tool interface.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Call() has been called.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
