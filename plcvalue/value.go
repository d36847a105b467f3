// Package plcvalue defines Value, the closed set of values exchanged with field devices.
//
// A Value is immutable. Its Kind selects which payload is meaningful; accessors for other
// payloads report ok=false rather than converting silently.
package plcvalue

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the payload held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindTimestamp
	KindStruct
	KindList
)

var kindNames = [...]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindInt8:      "int8",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindUint8:     "uint8",
	KindUint16:    "uint16",
	KindUint32:    "uint32",
	KindUint64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindString:    "string",
	KindTimestamp: "timestamp",
	KindStruct:    "struct",
	KindList:      "list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool { return k >= KindInt8 && k <= KindInt64 }

// IsUnsigned reports whether k is an unsigned integer kind.
func (k Kind) IsUnsigned() bool { return k >= KindUint8 && k <= KindUint64 }

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool { return k == KindFloat32 || k == KindFloat64 }

// Field is one named member of a struct value. Field order is significant.
type Field struct {
	Name  string
	Value Value
}

// Value is a tagged union over Kind. The zero Value is Null.
type Value struct {
	kind   Kind
	bits   uint64 // bool, integers (two's complement) and IEEE-754 float bits
	str    string
	ts     time.Time
	fields []Field
	items  []Value
}

// Null returns the value used for "no value", e.g. for a tag that failed to read.
func Null() Value { return Value{} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func Int8(v int8) Value       { return Value{kind: KindInt8, bits: uint64(int64(v))} }
func Int16(v int16) Value     { return Value{kind: KindInt16, bits: uint64(int64(v))} }
func Int32(v int32) Value     { return Value{kind: KindInt32, bits: uint64(int64(v))} }
func Int64(v int64) Value     { return Value{kind: KindInt64, bits: uint64(v)} }
func Uint8(v uint8) Value     { return Value{kind: KindUint8, bits: uint64(v)} }
func Uint16(v uint16) Value   { return Value{kind: KindUint16, bits: uint64(v)} }
func Uint32(v uint32) Value   { return Value{kind: KindUint32, bits: uint64(v)} }
func Uint64(v uint64) Value   { return Value{kind: KindUint64, bits: v} }
func Float32(v float32) Value { return Value{kind: KindFloat32, bits: uint64(math.Float32bits(v))} }
func Float64(v float64) Value { return Value{kind: KindFloat64, bits: math.Float64bits(v)} }
func String(v string) Value   { return Value{kind: KindString, str: v} }

// Timestamp returns a timestamp value normalized to UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t.UTC()} }

// Struct returns a struct value holding a private copy of fields.
func Struct(fields ...Field) Value {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Value{kind: KindStruct, fields: cp}
}

// List returns a list value holding a private copy of items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, items: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the payload of a bool value.
func (v Value) Bool() (bool, bool) {
	return v.bits != 0, v.kind == KindBool
}

// Int returns the value as int64 for signed kinds and for unsigned values within range.
func (v Value) Int() (int64, bool) {
	switch {
	case v.kind.IsSigned():
		return int64(v.bits), true
	case v.kind.IsUnsigned():
		return int64(v.bits), v.bits <= math.MaxInt64
	default:
		return 0, false
	}
}

// Uint returns the value as uint64 for unsigned kinds and for non-negative signed values.
func (v Value) Uint() (uint64, bool) {
	switch {
	case v.kind.IsUnsigned():
		return v.bits, true
	case v.kind.IsSigned():
		return v.bits, int64(v.bits) >= 0
	default:
		return 0, false
	}
}

// Float returns the value of a float kind as float64.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(v.bits))), true
	case KindFloat64:
		return math.Float64frombits(v.bits), true
	default:
		return 0, false
	}
}

// Text returns the payload of a string value.
func (v Value) Text() (string, bool) {
	return v.str, v.kind == KindString
}

// Time returns the payload of a timestamp value.
func (v Value) Time() (time.Time, bool) {
	return v.ts, v.kind == KindTimestamp
}

// Fields returns the ordered fields of a struct value. The slice must not be modified.
func (v Value) Fields() []Field {
	return v.fields
}

// Field returns the first field named name.
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Items returns the elements of a list value. The slice must not be modified.
func (v Value) Items() []Value {
	return v.items
}

// Len returns the number of list elements or struct fields, 1 for scalars and 0 for Null.
func (v Value) Len() int {
	switch v.kind {
	case KindNull:
		return 0
	case KindList:
		return len(v.items)
	case KindStruct:
		return len(v.fields)
	default:
		return 1
	}
}

// Equal reports whether v and o have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindTimestamp:
		return v.ts.Equal(o.ts)
	case KindStruct:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Name != o.fields[i].Name || !v.fields[i].Value.Equal(o.fields[i].Value) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	default:
		return v.bits == o.bits
	}
}

// Interface returns the payload as a native Go value, e.g. for JSON or YAML encoding.
func (v Value) Interface() any {
	switch {
	case v.kind == KindNull:
		return nil
	case v.kind == KindBool:
		return v.bits != 0
	case v.kind.IsSigned():
		return int64(v.bits)
	case v.kind.IsUnsigned():
		return v.bits
	case v.kind.IsFloat():
		f, _ := v.Float()
		return f
	case v.kind == KindString:
		return v.str
	case v.kind == KindTimestamp:
		return v.ts
	case v.kind == KindStruct:
		m := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			m[f.Name] = f.Value.Interface()
		}
		return m
	default:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	}
}

func (v Value) String() string {
	switch {
	case v.kind == KindNull:
		return "<null>"
	case v.kind == KindBool:
		return strconv.FormatBool(v.bits != 0)
	case v.kind.IsSigned():
		return strconv.FormatInt(int64(v.bits), 10)
	case v.kind.IsUnsigned():
		return strconv.FormatUint(v.bits, 10)
	case v.kind == KindFloat32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.bits))), 'g', -1, 32)
	case v.kind == KindFloat64:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case v.kind == KindString:
		return v.str
	case v.kind == KindTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	case v.kind == KindStruct:
		parts := make([]string, len(v.fields))
		for i, f := range v.fields {
			parts[i] = f.Name + ": " + f.Value.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
}
