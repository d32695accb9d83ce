package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/dshills/interruptgraph/graph"
)

type fakeCatalog map[string]ToolSpec

func (c fakeCatalog) Specs(names ...string) ([]ToolSpec, error) {
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		spec, ok := c[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

var catalog = fakeCatalog{
	"list_models": {Name: "list_models", Description: "List models"},
	"list_fields": {Name: "list_fields", Description: "List fields"},
}

func TestScopedCompleter_SendsOnlyAllowedTools(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "ok"}}}
	c := NewScopedCompleter(mock, "gpt-4o", catalog)

	got, err := c.Complete(context.Background(), Prompt{
		Purpose:  "discover",
		System:   "you are helpful",
		Messages: []Message{{Role: RoleUser, Content: "orders by day"}},
	}, []string{"list_fields"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != "ok" {
		t.Errorf("Text = %q", got.Text)
	}

	call, _ := mock.LastCall()
	if len(call.Tools) != 1 || call.Tools[0].Name != "list_fields" {
		t.Errorf("tools sent = %v, want only list_fields", call.Tools)
	}
	if len(call.Messages) != 2 || call.Messages[0].Role != RoleSystem {
		t.Errorf("messages = %v, want system then user", call.Messages)
	}
}

func TestScopedCompleter_NoToolsSendsNone(t *testing.T) {
	mock := &MockChatModel{}
	c := NewScopedCompleter(mock, "gpt-4o", catalog)

	if _, err := c.Complete(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Content: "hi"}}}, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	call, _ := mock.LastCall()
	if len(call.Tools) != 0 {
		t.Errorf("tools sent = %v, want none", call.Tools)
	}
}

func TestScopedCompleter_UnknownTool(t *testing.T) {
	mock := &MockChatModel{}
	c := NewScopedCompleter(mock, "gpt-4o", catalog)

	_, err := c.Complete(context.Background(), Prompt{}, []string{"drop_table"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if mock.CallCount() != 0 {
		t.Error("model should not be called when a tool is unknown")
	}

	noCatalog := NewScopedCompleter(mock, "gpt-4o", nil)
	if _, err := noCatalog.Complete(context.Background(), Prompt{}, []string{"list_models"}); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool without a catalog", err)
	}
}

func TestScopedCompleter_RejectsToolCallOutsideScope(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{
		ToolCalls: []ToolCall{{Name: "list_models"}},
	}}}
	c := NewScopedCompleter(mock, "gpt-4o", catalog)

	_, err := c.Complete(context.Background(), Prompt{}, []string{"list_fields"})
	if !errors.Is(err, ErrToolNotAllowed) {
		t.Fatalf("err = %v, want ErrToolNotAllowed", err)
	}
}

func TestScopedCompleter_RetriesTransientErrors(t *testing.T) {
	mock := &MockChatModel{
		Errs:      []error{errors.New("status 503: overloaded")},
		Responses: []ChatOut{{Text: "done"}},
	}
	c := NewScopedCompleter(mock, "gpt-4o", nil, WithRetry(&graph.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   IsTransient,
	}))

	got, err := c.Complete(context.Background(), Prompt{Purpose: "classify"}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != "done" || mock.CallCount() != 2 {
		t.Errorf("text=%q calls=%d, want done after 2 calls", got.Text, mock.CallCount())
	}
}

func TestScopedCompleter_PermanentErrorIsNotRetried(t *testing.T) {
	mock := &MockChatModel{Err: errors.New("invalid api key")}
	c := NewScopedCompleter(mock, "gpt-4o", nil, WithRetry(DefaultRetryPolicy()))

	_, err := c.Complete(context.Background(), Prompt{Purpose: "classify"}, nil)
	if err == nil || !strings.Contains(err.Error(), "completion classify") {
		t.Fatalf("err = %v", err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", mock.CallCount())
	}
}

func TestScopedCompleter_RecordsCost(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "x", Usage: Usage{InputTokens: 1000, OutputTokens: 500}}}}
	costs := NewCostTracker()
	c := NewScopedCompleter(mock, "gpt-4o", nil, WithCostTracker(costs))

	if _, err := c.Complete(context.Background(), Prompt{Purpose: "evaluate"}, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	calls := costs.Calls()
	if len(calls) != 1 || calls[0].Purpose != "evaluate" {
		t.Fatalf("calls = %+v", calls)
	}
	want := 1000.0/1e6*2.50 + 500.0/1e6*10.00
	if math.Abs(costs.TotalCost()-want) > 1e-12 {
		t.Errorf("TotalCost = %v, want %v", costs.TotalCost(), want)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("status 400: bad request"), false},
		{temporaryErr{}, true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type temporaryErr struct{}

func (temporaryErr) Error() string   { return "try later" }
func (temporaryErr) Temporary() bool { return true }

func TestNopChatModel(t *testing.T) {
	var m ChatModel = NopChatModel{}
	out, err := m.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil || out.Text != "" || len(out.ToolCalls) != 0 {
		t.Errorf("Chat = %+v, %v", out, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
