package plcvalue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts text into a scalar value of the given kind.
//
// Timestamps use RFC 3339. Struct and list kinds are rejected; use ParseList for lists.
func Parse(kind Kind, text string) (Value, error) {
	text = strings.TrimSpace(text)

	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Bool(b), nil

	case KindInt8, KindInt16, KindInt32, KindInt64:
		n, err := strconv.ParseInt(text, 0, intBits(kind))
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Value{kind: kind, bits: uint64(n)}, nil

	case KindUint8, KindUint16, KindUint32, KindUint64:
		n, err := strconv.ParseUint(text, 0, intBits(kind))
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Value{kind: kind, bits: n}, nil

	case KindFloat32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Float32(float32(f)), nil

	case KindFloat64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Float64(f), nil

	case KindString:
		return String(text), nil

	case KindTimestamp:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return Value{}, fmt.Errorf("parse %s: %w", kind, err)
		}
		return Timestamp(t), nil

	default:
		return Value{}, fmt.Errorf("parse: unsupported kind %s", kind)
	}
}

// ParseList parses a comma separated list of scalars of the element kind.
func ParseList(elem Kind, text string) (Value, error) {
	parts := strings.Split(text, ",")
	items := make([]Value, 0, len(parts))
	for i, part := range parts {
		v, err := Parse(elem, part)
		if err != nil {
			return Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		items = append(items, v)
	}

	return List(items...), nil
}

func intBits(kind Kind) int {
	switch kind {
	case KindInt8, KindUint8:
		return 8
	case KindInt16, KindUint16:
		return 16
	case KindInt32, KindUint32:
		return 32
	default:
		return 64
	}
}
