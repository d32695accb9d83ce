package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func noop() Step {
	return StepFunc(func(context.Context, State) Result { return Continue(Delta{}) })
}

func mustRegister(t *testing.T, b *Builder, name string, step Step, opts ...StepOption) {
	t.Helper()
	if err := b.Register(name, step, opts...); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func mustEdge(t *testing.T, b *Builder, from string, cond Condition, to string) {
	t.Helper()
	if err := b.AddEdge(from, cond, to); err != nil {
		t.Fatalf("AddEdge(%s -> %s): %v", from, to, err)
	}
}

// confidenceGraph routes check to generate when confidence is high enough
// and to clarify otherwise.
func confidenceGraph(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder(Schema{
		"confidence":          {Kind: KindFloat},
		"needs_clarification": {Kind: KindBool},
	})
	mustRegister(t, b, "check", noop())
	mustRegister(t, b, "generate", noop(), Terminal())
	mustRegister(t, b, "clarify", noop(), Terminal())
	mustEdge(t, b, "check", All(FieldAtLeast("confidence", 0.8), Not(FieldTrue("needs_clarification"))), "generate")
	mustEdge(t, b, "check", Otherwise, "clarify")

	g, err := b.Compile("check")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

func TestBuilder_RegisterErrors(t *testing.T) {
	b := NewBuilder(nil)
	mustRegister(t, b, "a", noop())

	if err := b.Register("a", noop()); !errors.Is(err, ErrDuplicateStep) {
		t.Errorf("duplicate err = %v", err)
	}

	for _, name := range []string{"", End} {
		err := b.Register(name, noop())
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "INVALID_STEP" {
			t.Errorf("Register(%q) err = %v, want INVALID_STEP", name, err)
		}
	}
	if err := b.Register("nil", nil); err == nil {
		t.Error("nil step should be rejected")
	}
}

func TestBuilder_AddEdgeErrors(t *testing.T) {
	b := NewBuilder(nil)
	mustRegister(t, b, "a", noop())

	if err := b.AddEdge("missing", Otherwise, "a"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("unknown from err = %v", err)
	}
	if err := b.AddEdge("a", Otherwise, "missing"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("unknown to err = %v", err)
	}
	mustEdge(t, b, "a", Otherwise, End)
	if err := b.AddEdge("a", Otherwise, End); !errors.Is(err, ErrDuplicateDefaultEdge) {
		t.Errorf("second default err = %v", err)
	}
}

func TestBuilder_CompileErrors(t *testing.T) {
	t.Run("unknown start", func(t *testing.T) {
		b := NewBuilder(nil)
		mustRegister(t, b, "a", noop(), Terminal())
		if _, err := b.Compile("nope"); !errors.Is(err, ErrUnknownStep) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		b := NewBuilder(nil)
		mustRegister(t, b, "a", noop(), Terminal())
		mustRegister(t, b, "z", noop(), Terminal())
		mustRegister(t, b, "y", noop(), Terminal())
		_, err := b.Compile("a")
		if !errors.Is(err, ErrUnreachableStep) {
			t.Fatalf("err = %v", err)
		}
		if !strings.Contains(err.Error(), "y, z") {
			t.Errorf("err = %q, want sorted step names", err)
		}
	})

	t.Run("no default edge", func(t *testing.T) {
		b := NewBuilder(nil)
		mustRegister(t, b, "a", noop())
		mustRegister(t, b, "b", noop(), Terminal())
		mustEdge(t, b, "a", FieldSet("x"), "b")
		if _, err := b.Compile("a"); !errors.Is(err, ErrNoDefaultEdge) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("invalid schema", func(t *testing.T) {
		b := NewBuilder(Schema{"x": {Kind: "decimal"}})
		mustRegister(t, b, "a", noop(), Terminal())
		if _, err := b.Compile("a"); !errors.Is(err, ErrSchemaMismatch) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestGraph_Next(t *testing.T) {
	g := confidenceGraph(t)

	tests := []struct {
		name  string
		delta Delta
		want  string
	}{
		{"high confidence", Delta{}.Set("confidence", Float(0.9)), "generate"},
		{"exact threshold", Delta{}.Set("confidence", Float(0.8)), "generate"},
		{"low confidence", Delta{}.Set("confidence", Float(0.4)), "clarify"},
		{"high but needs clarification", Delta{}.Set("confidence", Float(0.95)).Set("needs_clarification", Bool(true)), "clarify"},
		{"missing confidence", Delta{}, "clarify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Merge(g.Schema(), NewState(), tt.delta)
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			got, err := g.Next("check", s)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got != tt.want {
				t.Errorf("Next = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGraph_NextIsPure(t *testing.T) {
	g := confidenceGraph(t)
	s, _ := Merge(g.Schema(), NewState(), Delta{}.Set("confidence", Float(0.85)))
	before, _ := EncodeState(s)

	first, _ := g.Next("check", s)
	for i := 0; i < 100; i++ {
		got, err := g.Next("check", s)
		if err != nil || got != first {
			t.Fatalf("call %d = %q, %v; want %q", i, got, err, first)
		}
	}
	after, _ := EncodeState(s)
	if string(before) != string(after) {
		t.Error("Next modified the state")
	}
}

func TestGraph_DefaultEdgeIsTriedLast(t *testing.T) {
	b := NewBuilder(nil)
	mustRegister(t, b, "a", noop())
	mustRegister(t, b, "fallback", noop(), Terminal())
	mustRegister(t, b, "special", noop(), Terminal())
	mustEdge(t, b, "a", Otherwise, "fallback")
	mustEdge(t, b, "a", FieldTrue("flag"), "special")
	g, err := b.Compile("a")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	s, _ := Merge(nil, NewState(), Delta{}.Set("flag", Bool(true)))
	if got, _ := g.Next("a", s); got != "special" {
		t.Errorf("Next = %q, want special even though the default edge was declared first", got)
	}
}

func TestGraph_NextErrors(t *testing.T) {
	g := confidenceGraph(t)
	if _, err := g.Next("missing", NewState()); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("unknown step err = %v", err)
	}
	if _, err := g.Next("generate", NewState()); !errors.Is(err, ErrNoRoute) {
		t.Errorf("terminal step err = %v, want ErrNoRoute", err)
	}
}

func TestConditions(t *testing.T) {
	s, _ := Merge(nil, NewState(), Delta{}.
		Set("intent", String("trend")).
		Set("count", Int(3)).
		Set("ok", Bool(true)))

	tests := []struct {
		cond Condition
		want bool
	}{
		{FieldEquals("intent", String("trend")), true},
		{FieldEquals("intent", String("query")), false},
		{FieldIn("intent", "query", "trend"), true},
		{FieldAtLeast("count", 3), true},
		{FieldBelow("count", 3), false},
		{FieldBelow("missing", 1), false},
		{FieldTrue("ok"), true},
		{FieldSet("missing"), false},
		{Any(FieldSet("missing"), FieldTrue("ok")), true},
		{All(FieldSet("intent"), FieldSet("missing")), false},
		{When("custom", func(s State) bool { return s.Int("count") == 3 }), true},
	}
	for _, tt := range tests {
		t.Run(tt.cond.Name(), func(t *testing.T) {
			if got := tt.cond.Match(s); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
	if !Otherwise.IsDefault() || FieldSet("x").IsDefault() {
		t.Error("only Otherwise is the default condition")
	}
}

func TestEnum_Normalize(t *testing.T) {
	intents := NewEnum("query", "Query", "schema_overview", "field_explain", "follow_up")

	tests := []struct {
		raw  string
		want string
	}{
		{"query", "query"},
		{"  FIELD_EXPLAIN ", "field_explain"},
		{`"schema_overview".`, "schema_overview"},
		{"The intent is follow_up because...", "follow_up"},
		{"something else", "query"},
		{"", "query"},
	}
	for _, tt := range tests {
		if got := intents.Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	if !intents.Contains("query") || intents.Contains("Query") {
		t.Error("values should be stored lowercased")
	}
}
