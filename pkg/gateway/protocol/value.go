package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the JSON type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a decoded JSON document. The zero Value is null.
//
// Accessors never panic: each returns the converted value and whether the
// underlying kind matched, so a payload that does not have the expected shape
// is reported to the caller instead of silently becoming a zero value.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the JSON null value.
func Null() Value { return Value{} }

// NewBool wraps a bool.
func NewBool(b bool) Value { return Value{kind: KindBool, b: b} }

// NewNumber wraps a float64.
func NewNumber(f float64) Value {
	return Value{kind: KindNumber, num: json.Number(strconv.FormatFloat(f, 'f', -1, 64))}
}

// NewInt wraps an int64.
func NewInt(n int64) Value {
	return Value{kind: KindNumber, num: json.Number(strconv.FormatInt(n, 10))}
}

// NewString wraps a string.
func NewString(s string) Value { return Value{kind: KindString, str: s} }

// NewArray wraps a list of values.
func NewArray(items ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), items...)}
}

// NewObject wraps a map of values.
func NewObject(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

// FromAny converts any JSON-marshalable Go value into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case nil:
		return Null(), nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return Null(), fmt.Errorf("protocol: encode value: %w", err)
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// Parse decodes raw JSON text into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// Kind reports the JSON type of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null (or absent).
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the number held by v as a float64.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsInt returns the number held by v as an int64. Fractional numbers are
// truncated.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if n, err := v.num.Int64(); err == nil {
		return n, true
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// AsArray returns the elements held by v. The returned slice must not be
// modified.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsObject returns the fields held by v. The returned map must not be
// modified.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Get returns the named field of an object value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	field, ok := v.obj[key]
	return field, ok
}

// Field returns the named field, or null when v is not an object or the
// field is absent. Useful for chaining lookups.
func (v Value) Field(key string) Value {
	field, _ := v.Get(key)
	return field
}

// StringField returns a string field of an object value.
func (v Value) StringField(key string) (string, bool) {
	return v.Field(key).AsString()
}

// BoolField returns a boolean field of an object value.
func (v Value) BoolField(key string) (bool, bool) {
	return v.Field(key).AsBool()
}

// Text renders scalars as text: strings verbatim, numbers and booleans in
// their JSON form. Arrays and objects are re-encoded as JSON.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return v.num.String(), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindArray, KindObject:
		data, err := v.MarshalJSON()
		if err != nil {
			return "", false
		}
		return string(data), true
	default:
		return "", false
	}
}

// Decode re-encodes v and unmarshals it into dst.
func (v Value) Decode(dst any) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("protocol: decode value: %w", err)
	}
	decoded, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (v Value) toAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.toAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.toAny()
		}
		return out
	default:
		return nil
	}
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		return Value{kind: KindNumber, num: t}, nil
	case string:
		return NewString(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			converted, err := fromDecoded(item)
			if err != nil {
				return Null(), err
			}
			items[i] = converted
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			converted, err := fromDecoded(item)
			if err != nil {
				return Null(), err
			}
			fields[k] = converted
		}
		return Value{kind: KindObject, obj: fields}, nil
	default:
		return Null(), fmt.Errorf("protocol: unsupported json type %T", raw)
	}
}
