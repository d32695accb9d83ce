package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind identifies the type carried by a Value.
type Kind string

// Supported value kinds.
const (
	KindString    Kind = "string"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindBool      Kind = "bool"
	KindStrings   Kind = "strings"
	KindStringMap Kind = "string_map"
	KindJSON      Kind = "json"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindStrings, KindStringMap, KindJSON:
		return true
	}
	return false
}

// Value is a self-describing state field value.
//
// Values serialize as {"kind": ..., "value": ...} so that a decoded Value has
// the same kind and Go representation as the one that was encoded. This is
// what gives State its round-trip fidelity across the checkpoint store.
//
// The zero Value has no kind and is rejected by Merge.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	list []string
	m    map[string]string
	raw  json.RawMessage
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Strings returns a string list value. The slice is copied.
func Strings(items ...string) Value {
	list := make([]string, len(items))
	copy(list, items)
	return Value{kind: KindStrings, list: list}
}

// StringMap returns a string map value. The map is copied.
func StringMap(m map[string]string) Value {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindStringMap, m: cp}
}

// JSON returns a value holding an arbitrary JSON document.
func JSON(raw json.RawMessage) (Value, error) {
	if !utf8.Valid(raw) {
		return Value{}, fmt.Errorf("%w: json value is not valid UTF-8", ErrSchemaMismatch)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, fmt.Errorf("invalid json value: %w", err)
	}
	return Value{kind: KindJSON, raw: buf.Bytes()}, nil
}

// JSONOf marshals v and returns it as a JSON value.
func JSONOf(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("marshal json value: %w", err)
	}
	return JSON(raw)
}

// validUTF8 reports whether every string the value carries is valid UTF-8.
// encoding/json rewrites invalid bytes, so anything else would not survive a
// checkpoint unchanged.
func (v Value) validUTF8() bool {
	switch v.kind {
	case KindString:
		return utf8.ValidString(v.s)
	case KindStrings:
		for _, item := range v.list {
			if !utf8.ValidString(item) {
				return false
			}
		}
	case KindStringMap:
		for k, item := range v.m {
			if !utf8.ValidString(k) || !utf8.ValidString(item) {
				return false
			}
		}
	case KindJSON:
		return utf8.Valid(v.raw)
	}
	return true
}

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v is the zero Value.
func (v Value) IsZero() bool { return v.kind == "" }

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string { return v.s }

// IntVal returns the integer payload, or 0 for other kinds.
func (v Value) IntVal() int64 { return v.i }

// FloatVal returns the float payload. Integers are widened.
func (v Value) FloatVal() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// BoolVal returns the boolean payload, or false for other kinds.
func (v Value) BoolVal() bool { return v.b }

// List returns a copy of the string list payload.
func (v Value) List() []string {
	if v.list == nil {
		return nil
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out
}

// Map returns a copy of the string map payload.
func (v Value) Map() map[string]string {
	if v.m == nil {
		return nil
	}
	out := make(map[string]string, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// Raw returns the JSON payload.
func (v Value) Raw() json.RawMessage { return v.raw }

// Decode unmarshals a JSON value into out.
func (v Value) Decode(out any) error {
	if v.kind != KindJSON {
		return fmt.Errorf("%w: value is %s, not json", ErrSchemaMismatch, v.kind)
	}
	return json.Unmarshal(v.raw, out)
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindBool:
		return v.b == o.b
	case KindStrings:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	case KindStringMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, val := range v.m {
			if ov, ok := o.m[k]; !ok || ov != val {
				return false
			}
		}
		return true
	case KindJSON:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

// GoString renders the value for debugging and test failure messages.
func (v Value) GoString() string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("String(%q)", v.s)
	case KindInt:
		return fmt.Sprintf("Int(%d)", v.i)
	case KindFloat:
		return fmt.Sprintf("Float(%g)", v.f)
	case KindBool:
		return fmt.Sprintf("Bool(%t)", v.b)
	case KindStrings:
		return fmt.Sprintf("Strings(%q)", v.list)
	case KindStringMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q:%q", k, v.m[k])
		}
		return "StringMap{" + strings.Join(parts, ",") + "}"
	case KindJSON:
		return "JSON(" + string(v.raw) + ")"
	}
	return "Value{}"
}

// String implements fmt.Stringer.
func (v Value) String() string { return v.GoString() }

type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value with its kind tag.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch v.kind {
	case KindString:
		payload, err = json.Marshal(v.s)
	case KindInt:
		payload, err = json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("cannot encode non-finite float %v", v.f)
		}
		payload, err = json.Marshal(v.f)
	case KindBool:
		payload, err = json.Marshal(v.b)
	case KindStrings:
		payload, err = json.Marshal(v.list)
	case KindStringMap:
		payload, err = json.Marshal(v.m)
	case KindJSON:
		payload = v.raw
		if len(payload) == 0 {
			payload = []byte("null")
		}
	default:
		return nil, fmt.Errorf("cannot encode value without kind")
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: payload})
}

// UnmarshalJSON decodes a kind-tagged value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{kind: w.Kind}
	var err error
	switch w.Kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.s)
	case KindInt:
		err = json.Unmarshal(w.Value, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.f)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.b)
	case KindStrings:
		err = json.Unmarshal(w.Value, &out.list)
	case KindStringMap:
		err = json.Unmarshal(w.Value, &out.m)
	case KindJSON:
		var buf bytes.Buffer
		if err = json.Compact(&buf, w.Value); err == nil {
			out.raw = buf.Bytes()
		}
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", w.Kind, err)
	}
	*v = out
	return nil
}

// ValueFromAny converts a decoded JSON value into a Value of the given kind.
// It is used to map free-form resume payloads onto declared fields.
func ValueFromAny(kind Kind, in any) (Value, error) {
	v, err := valueFromAny(kind, in)
	if err != nil {
		return Value{}, err
	}
	if !v.validUTF8() {
		return Value{}, fmt.Errorf("%w: %s value is not valid UTF-8", ErrSchemaMismatch, kind)
	}
	return v, nil
}

func valueFromAny(kind Kind, in any) (Value, error) {
	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrSchemaMismatch, in, kind)
	}

	switch kind {
	case KindString:
		if s, ok := in.(string); ok {
			return String(s), nil
		}
	case KindInt:
		switch n := in.(type) {
		case float64:
			if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
				return Int(int64(n)), nil
			}
		case int:
			return Int(int64(n)), nil
		case int64:
			return Int(n), nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return Int(i), nil
			}
		}
	case KindFloat:
		switch n := in.(type) {
		case float64:
			return Float(n), nil
		case int:
			return Float(float64(n)), nil
		case int64:
			return Float(float64(n)), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return Float(f), nil
			}
		}
	case KindBool:
		if b, ok := in.(bool); ok {
			return Bool(b), nil
		}
	case KindStrings:
		switch list := in.(type) {
		case []string:
			return Strings(list...), nil
		case []any:
			out := make([]string, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return mismatch()
				}
				out[i] = s
			}
			return Strings(out...), nil
		}
	case KindStringMap:
		switch m := in.(type) {
		case map[string]string:
			return StringMap(m), nil
		case map[string]any:
			out := make(map[string]string, len(m))
			for k, item := range m {
				s, ok := item.(string)
				if !ok {
					return mismatch()
				}
				out[k] = s
			}
			return StringMap(out), nil
		}
	case KindJSON:
		return JSONOf(in)
	}
	return mismatch()
}

// inferKind picks a kind for a decoded JSON value when no schema declares one.
func inferKind(in any) Kind {
	switch n := in.(type) {
	case string:
		return KindString
	case bool:
		return KindBool
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return KindInt
		}
		return KindFloat
	case []any:
		for _, item := range n {
			if _, ok := item.(string); !ok {
				return KindJSON
			}
		}
		return KindStrings
	case map[string]any:
		for _, item := range n {
			if _, ok := item.(string); !ok {
				return KindJSON
			}
		}
		return KindStringMap
	}
	return KindJSON
}
