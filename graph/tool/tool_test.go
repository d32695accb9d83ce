package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dshills/interruptgraph/graph/model"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	fields := &MockTool{ToolName: "list_fields", Responses: []map[string]any{{"fields": []any{"net_revenue"}}}}

	if err := r.Register(model.ToolSpec{Description: "List fields"}, fields); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(model.ToolSpec{Name: "list_models"}, &MockTool{ToolName: "list_models"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Register(model.ToolSpec{}, fields); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate Register err = %v, want ErrDuplicateTool", err)
	}
	if err := r.Register(model.ToolSpec{Name: "other"}, &MockTool{ToolName: "x"}); err == nil {
		t.Error("mismatched spec name should be rejected")
	}
	if err := r.Register(model.ToolSpec{}, nil); err == nil {
		t.Error("nil tool should be rejected")
	}

	if got := r.Names(); len(got) != 2 || got[0] != "list_fields" || got[1] != "list_models" {
		t.Errorf("Names = %v", got)
	}

	specs, err := r.Specs("list_models", "list_fields")
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	if specs[0].Name != "list_models" || specs[1].Description != "List fields" {
		t.Errorf("Specs = %+v", specs)
	}
	if _, err := r.Specs("drop_table"); !errors.Is(err, model.ErrUnknownTool) {
		t.Errorf("Specs(unknown) err = %v", err)
	}

	out, err := r.Invoke(context.Background(), model.ToolCall{Name: "list_fields", Input: map[string]any{"model": "ecommerce"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["fields"] == nil || fields.CallCount() != 1 || fields.Calls[0].Input["model"] != "ecommerce" {
		t.Errorf("Invoke out=%v calls=%v", out, fields.Calls)
	}
	if _, err := r.Invoke(context.Background(), model.ToolCall{Name: "nope"}); !errors.Is(err, model.ErrUnknownTool) {
		t.Errorf("Invoke(unknown) err = %v", err)
	}
}

func TestRegistry_InvokeWrapsToolError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	_ = r.Register(model.ToolSpec{}, &MockTool{ToolName: "t", Err: boom})

	if _, err := r.Invoke(context.Background(), model.ToolCall{Name: "t"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestMockTool_ResponsesRepeatLast(t *testing.T) {
	m := &MockTool{ToolName: "t", Responses: []map[string]any{{"n": 1}, {"n": 2}}}
	ctx := context.Background()

	want := []int{1, 2, 2}
	for i, w := range want {
		out, _ := m.Call(ctx, nil)
		if out["n"] != w {
			t.Errorf("call %d = %v, want %d", i, out["n"], w)
		}
	}
	m.Reset()
	if m.CallCount() != 0 {
		t.Error("Reset should clear calls")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Call(cancelled, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHTTPTool_JSONRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("header not forwarded")
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": got["model"]})
	}))
	defer server.Close()

	result, err := NewHTTPTool(nil).Call(context.Background(), map[string]any{
		"method":  "post",
		"url":     server.URL,
		"headers": map[string]any{"X-Api-Key": "secret"},
		"body":    map[string]any{"model": "ecommerce"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["status_code"] != 200 {
		t.Errorf("status_code = %v", result["status_code"])
	}
	decoded, ok := result["json"].(map[string]any)
	if !ok || decoded["echo"] != "ecommerce" {
		t.Errorf("json = %v", result["json"])
	}
}

func TestHTTPTool_InvalidInput(t *testing.T) {
	h := NewHTTPTool(nil)
	tests := []struct {
		name  string
		input map[string]any
	}{
		{"missing url", map[string]any{}},
		{"unsupported method", map[string]any{"url": "http://localhost", "method": "PATCH"}},
		{"unencodable body", map[string]any{"url": "http://localhost", "method": "POST", "body": map[string]any{"f": func() {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Call(context.Background(), tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPTool_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := NewHTTPTool(nil).Call(ctx, map[string]any{"url": server.URL}); err == nil {
		t.Fatal("expected timeout error")
	}
}
