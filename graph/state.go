package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one entry in a run's conversation history.
type Message struct {
	// ID identifies the message within a run. Merge skips messages whose ID
	// is already present, which makes re-applying a delta harmless.
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is the typed record carried through a run.
//
// Messages is append-only and is never truncated by the engine. Fields hold
// named values whose kinds are checked against the graph's Schema. Seq counts
// applied deltas and is used to make Merge idempotent.
type State struct {
	Messages []Message       `json:"messages"`
	Fields   map[string]Value `json:"fields"`
	Seq      int64           `json:"seq"`

	// Error is set when the run fails.
	Error *ErrorDetail `json:"error,omitempty"`
}

// NewState returns an empty state.
func NewState() State {
	return State{Fields: map[string]Value{}}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := State{
		Messages: make([]Message, len(s.Messages)),
		Fields:   make(map[string]Value, len(s.Fields)),
		Seq:      s.Seq,
	}
	copy(out.Messages, s.Messages)
	for k, v := range s.Fields {
		out.Fields[k] = cloneValue(v)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindStrings:
		v.list = v.List()
	case KindStringMap:
		v.m = v.Map()
	case KindJSON:
		raw := make(json.RawMessage, len(v.raw))
		copy(raw, v.raw)
		v.raw = raw
	}
	return v
}

// Get returns the value of a field and whether it is set.
func (s State) Get(name string) (Value, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Has reports whether a field is set.
func (s State) Has(name string) bool {
	_, ok := s.Fields[name]
	return ok
}

// String returns a string field, or "" if unset.
func (s State) String(name string) string { return s.Fields[name].Str() }

// Int returns an int field, or 0 if unset.
func (s State) Int(name string) int64 { return s.Fields[name].IntVal() }

// Float returns a float field, or 0 if unset. Int fields are widened.
func (s State) Float(name string) float64 { return s.Fields[name].FloatVal() }

// Bool returns a bool field, or false if unset.
func (s State) Bool(name string) bool { return s.Fields[name].BoolVal() }

// Strings returns a copy of a strings field.
func (s State) Strings(name string) []string { return s.Fields[name].List() }

// StringMap returns a copy of a string_map field.
func (s State) StringMap(name string) map[string]string { return s.Fields[name].Map() }

// DecodeJSON unmarshals a json field into out.
func (s State) DecodeJSON(name string, out any) error {
	v, ok := s.Fields[name]
	if !ok {
		return fmt.Errorf("field %q is not set", name)
	}
	return v.Decode(out)
}

// LastMessage returns the most recent message with the given role.
// An empty role matches any message.
func (s State) LastMessage(role string) (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if role == "" || s.Messages[i].Role == role {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// Delta is a partial state update returned by a step.
//
// Seq, when non-zero, identifies the delta. Merge ignores a delta whose Seq
// is not greater than the base state's Seq.
type Delta struct {
	Messages []Message
	Fields   map[string]Value
	Seq      int64
}

// Set records a field assignment and returns the delta for chaining.
func (d Delta) Set(name string, v Value) Delta {
	fields := make(map[string]Value, len(d.Fields)+1)
	for k, val := range d.Fields {
		fields[k] = val
	}
	fields[name] = v
	d.Fields = fields
	return d
}

// AppendMessage records a message to append and returns the delta for chaining.
func (d Delta) AppendMessage(role, content string) Delta {
	msgs := make([]Message, len(d.Messages), len(d.Messages)+1)
	copy(msgs, d.Messages)
	d.Messages = append(msgs, Message{Role: role, Content: content})
	return d
}

// IsEmpty reports whether the delta changes nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Messages) == 0 && len(d.Fields) == 0
}

// FieldSpec declares the kind of a state field.
type FieldSpec struct {
	Kind Kind

	// AppendOnly makes Merge append to the field instead of replacing it.
	// Only valid for KindStrings.
	AppendOnly bool
}

// Schema declares the fields a graph's state may hold. A nil Schema accepts
// any field and always overwrites.
type Schema map[string]FieldSpec

// Validate checks that every spec has a known kind and that only strings
// fields are append-only.
func (sc Schema) Validate() error {
	names := make([]string, 0, len(sc))
	for name := range sc {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := sc[name]
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrSchemaMismatch)
		}
		if !spec.Kind.valid() {
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrSchemaMismatch, name, spec.Kind)
		}
		if spec.AppendOnly && spec.Kind != KindStrings {
			return fmt.Errorf("%w: field %q is append-only but has kind %s", ErrSchemaMismatch, name, spec.Kind)
		}
	}
	return nil
}

// Merge applies delta to base and returns the new state.
//
// Non-append fields are overwritten. Append-only fields and messages are
// appended. base is never modified. A delta whose Seq is non-zero and not
// greater than base.Seq has already been applied and is ignored.
func Merge(schema Schema, base State, delta Delta) (State, error) {
	if delta.Seq != 0 && delta.Seq <= base.Seq {
		return base, nil
	}

	out := base.Clone()
	seq := base.Seq + 1
	if delta.Seq != 0 {
		seq = delta.Seq
	}

	// Check the whole delta before touching out so a failed merge has no
	// partial effect.
	names := make([]string, 0, len(delta.Fields))
	for name, v := range delta.Fields {
		if v.IsZero() {
			return base, fmt.Errorf("%w: field %q has no kind", ErrSchemaMismatch, name)
		}
		if !utf8.ValidString(name) || !v.validUTF8() {
			return base, fmt.Errorf("%w: field %q is not valid UTF-8", ErrSchemaMismatch, name)
		}
		if schema != nil {
			spec, ok := schema[name]
			if !ok {
				return base, fmt.Errorf("%w: field %q is not declared", ErrSchemaMismatch, name)
			}
			if spec.Kind != v.Kind() {
				return base, fmt.Errorf("%w: field %q expects %s, got %s", ErrSchemaMismatch, name, spec.Kind, v.Kind())
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for i, m := range delta.Messages {
		if !utf8.ValidString(m.ID) || !utf8.ValidString(m.Role) || !utf8.ValidString(m.Content) {
			return base, fmt.Errorf("%w: message %d is not valid UTF-8", ErrSchemaMismatch, i)
		}
	}

	for _, name := range names {
		v := cloneValue(delta.Fields[name])
		if spec, ok := schema[name]; ok && spec.AppendOnly {
			if prev, ok := out.Fields[name]; ok {
				v = Strings(append(prev.List(), v.list...)...)
			}
		}
		out.Fields[name] = v
	}

	seen := make(map[string]struct{}, len(out.Messages))
	for _, m := range out.Messages {
		seen[m.ID] = struct{}{}
	}
	for i, m := range delta.Messages {
		if m.ID == "" {
			m.ID = fmt.Sprintf("m%d.%d", seq, i)
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out.Messages = append(out.Messages, m)
	}

	out.Seq = seq
	return out, nil
}

// EncodeState serializes a state to JSON.
func EncodeState(s State) ([]byte, error) {
	if s.Fields == nil {
		s.Fields = map[string]Value{}
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// DecodeState restores a state serialized by EncodeState.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if s.Fields == nil {
		s.Fields = map[string]Value{}
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	return s, nil
}
