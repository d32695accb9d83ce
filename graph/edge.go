package graph

import (
	"fmt"
	"strings"
)

// End is the cursor of a completed run and the target of edges that finish
// the workflow.
const End = "__end__"

// Edge represents a connection between two steps in the workflow graph.
//
// Edges can be:
//   - Unconditional: always traverse (When is the zero Condition).
//   - Conditional: traverse only if When matches the state.
//
// The router tries conditional edges in declaration order and falls back to
// the unconditional edge only when every conditional edge declines.
type Edge struct {
	// From is the source step name.
	From string

	// To is the destination step name, or End.
	To string

	// When decides whether the edge is taken.
	When Condition
}

// Condition is a named, pure predicate over State.
//
// Conditions only read explicit fields, so routing is a function of the
// state alone. The zero Condition is unconditional.
type Condition struct {
	name  string
	match func(State) bool
}

// Otherwise is the unconditional condition used for default edges.
var Otherwise = Condition{}

// IsDefault reports whether c is the unconditional condition.
func (c Condition) IsDefault() bool { return c.match == nil }

// Name describes the condition for logs and errors.
func (c Condition) Name() string {
	if c.IsDefault() {
		return "otherwise"
	}
	return c.name
}

// Match evaluates the condition against s.
func (c Condition) Match(s State) bool {
	if c.match == nil {
		return true
	}
	return c.match(s)
}

// When builds a condition from an arbitrary predicate. Prefer the field
// conditions; fn must be pure.
func When(name string, fn func(State) bool) Condition {
	return Condition{name: name, match: fn}
}

// FieldEquals matches when field holds a value equal to v.
func FieldEquals(field string, v Value) Condition {
	return Condition{
		name: fmt.Sprintf("%s == %s", field, v),
		match: func(s State) bool {
			got, ok := s.Fields[field]
			return ok && got.Equal(v)
		},
	}
}

// FieldAtLeast matches when a numeric field is >= threshold.
func FieldAtLeast(field string, threshold float64) Condition {
	return Condition{
		name: fmt.Sprintf("%s >= %g", field, threshold),
		match: func(s State) bool {
			v, ok := numeric(s, field)
			return ok && v >= threshold
		},
	}
}

// FieldBelow matches when a numeric field is < threshold.
func FieldBelow(field string, threshold float64) Condition {
	return Condition{
		name: fmt.Sprintf("%s < %g", field, threshold),
		match: func(s State) bool {
			v, ok := numeric(s, field)
			return ok && v < threshold
		},
	}
}

// FieldIn matches when a string field equals one of values.
func FieldIn(field string, values ...string) Condition {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return Condition{
		name: fmt.Sprintf("%s in [%s]", field, strings.Join(values, ",")),
		match: func(s State) bool {
			v, ok := s.Fields[field]
			if !ok || v.Kind() != KindString {
				return false
			}
			_, hit := set[v.Str()]
			return hit
		},
	}
}

// FieldTrue matches when a bool field is true.
func FieldTrue(field string) Condition {
	return Condition{
		name: field,
		match: func(s State) bool {
			v, ok := s.Fields[field]
			return ok && v.Kind() == KindBool && v.BoolVal()
		},
	}
}

// FieldSet matches when field is present and non-empty.
func FieldSet(field string) Condition {
	return Condition{
		name: field + " set",
		match: func(s State) bool {
			v, ok := s.Fields[field]
			if !ok {
				return false
			}
			switch v.Kind() {
			case KindString:
				return v.Str() != ""
			case KindStrings:
				return len(v.list) > 0
			case KindStringMap:
				return len(v.m) > 0
			}
			return true
		},
	}
}

// Not negates c.
func Not(c Condition) Condition {
	return Condition{
		name:  "not(" + c.Name() + ")",
		match: func(s State) bool { return !c.Match(s) },
	}
}

// All matches when every condition matches.
func All(conds ...Condition) Condition {
	return Condition{
		name: "all(" + joinNames(conds) + ")",
		match: func(s State) bool {
			for _, c := range conds {
				if !c.Match(s) {
					return false
				}
			}
			return true
		},
	}
}

// Any matches when at least one condition matches.
func Any(conds ...Condition) Condition {
	return Condition{
		name: "any(" + joinNames(conds) + ")",
		match: func(s State) bool {
			for _, c := range conds {
				if c.Match(s) {
					return true
				}
			}
			return false
		},
	}
}

func joinNames(conds []Condition) string {
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = c.Name()
	}
	return strings.Join(names, ",")
}

func numeric(s State, field string) (float64, bool) {
	v, ok := s.Fields[field]
	if !ok {
		return 0, false
	}
	switch v.Kind() {
	case KindInt, KindFloat:
		return v.FloatVal(), true
	}
	return 0, false
}

// Enum normalizes free-form text, typically model output, into one of a
// bounded set of values before it is stored and routed on.
type Enum struct {
	values   []string
	fallback string
}

// NewEnum returns an Enum over values. Normalize returns fallback when the
// input matches nothing.
func NewEnum(fallback string, values ...string) Enum {
	norm := make([]string, len(values))
	for i, v := range values {
		norm[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return Enum{values: norm, fallback: fallback}
}

// Values returns the allowed values.
func (e Enum) Values() []string {
	out := make([]string, len(e.values))
	copy(out, e.values)
	return out
}

// Contains reports whether v is an allowed value.
func (e Enum) Contains(v string) bool {
	for _, allowed := range e.values {
		if allowed == v {
			return true
		}
	}
	return false
}

// Normalize maps raw onto an allowed value.
//
// It tries an exact case-insensitive match, then the first allowed value
// contained in raw, then the fallback.
func (e Enum) Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "\"'`.")
	if e.Contains(s) {
		return s
	}
	for _, allowed := range e.values {
		if allowed != "" && strings.Contains(s, allowed) {
			return allowed
		}
	}
	return e.fallback
}
