package model

import "encoding/json"

// ValueKind tags the variant held by a Value — the "dynamic-typed
// telemetry values" redesign flag from spec.md §9 modeled as a closed
// sum type instead of scattering type switches across handlers.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindFloat
	KindBool
	KindText
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// parseValueKind is the inverse of ValueKind.String, used when
// reconstructing a Value from a stored data_type column.
func parseValueKind(s string) ValueKind {
	switch s {
	case "int":
		return KindInt
	case "bool":
		return KindBool
	case "text":
		return KindText
	default:
		return KindFloat
	}
}

// Value is a single scalar telemetry reading with its inferred kind.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Text  string
}

func NewIntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func NewFloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func NewBoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func NewTextValue(v string) Value   { return Value{Kind: KindText, Text: v} }

// AsFloat64 coerces an int or float Value to float64; it is only valid
// to call when Kind is KindInt or KindFloat.
func (v Value) AsFloat64() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

// Raw returns the underlying Go value for JSON rendering.
func (v Value) Raw() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	case KindText:
		return v.Text
	default:
		return v.Float
	}
}

// FromAny converts a decoded JSON scalar into a Value, or reports
// ok=false for anything else (nested objects/arrays are rejected by the
// caller before this point). Envelopes must be decoded with
// json.Decoder.UseNumber so integer and fractional literals are
// distinguishable (encoding/json otherwise collapses both to float64,
// which would make the int-vs-float coercion rule in spec.md §4.5
// unobservable).
func FromAny(raw any) (Value, bool) {
	switch v := raw.(type) {
	case bool:
		return NewBoolValue(v), true
	case string:
		return NewTextValue(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return NewIntValue(i), true
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, false
		}
		return NewFloatValue(f), true
	case float64:
		return NewFloatValue(v), true
	case int:
		return NewIntValue(int64(v)), true
	case int64:
		return NewIntValue(v), true
	default:
		return Value{}, false
	}
}
