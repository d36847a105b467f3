package eip

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

// dateEpoch is the origin of the CIP DATE type.
var dateEpoch = time.Date(1972, time.January, 1, 0, 0, 0, 0, time.UTC)

const msPerDay = 24 * 60 * 60 * 1000

// DataTypeMismatchError reports a device answering with a different data type than the
// one declared in the tag address.
type DataTypeMismatchError struct {
	Declared DataType
	Actual   DataType
}

func (e *DataTypeMismatchError) Error() string {
	return fmt.Sprintf("declared data type %s, device returned %s", e.Declared, e.Actual)
}

// EncodeValue encodes v as count elements of dt in CIP wire order.
// A count above 1 requires a list value with exactly count items.
func EncodeValue(v plcvalue.Value, dt DataType, count int) ([]byte, error) {
	if count <= 1 {
		if v.Kind() == plcvalue.KindList && v.Len() == 1 {
			v = v.Items()[0]
		}
		return appendElement(nil, v, dt)
	}

	if v.Kind() != plcvalue.KindList || v.Len() != count {
		return nil, codecErr(fieldbus.WidthOverflow, dt, "expect a list of %d elements, got %s with %d", count, v.Kind(), v.Len())
	}

	buf := make([]byte, 0, count*max(dt.Size(), 1))
	for i, item := range v.Items() {
		var err error
		if buf, err = appendElement(buf, item, dt); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}

	return buf, nil
}

// DecodeValue decodes count elements of dt from buf. A count above 1 yields a list.
func DecodeValue(buf []byte, dt DataType, count int) (plcvalue.Value, error) {
	if count <= 1 {
		v, _, err := decodeElement(buf, dt, true)
		return v, err
	}

	items := make([]plcvalue.Value, 0, count)
	for i := range count {
		v, n, err := decodeElement(buf, dt, i == count-1)
		if err != nil {
			return plcvalue.Null(), fmt.Errorf("element %d: %w", i, err)
		}
		items = append(items, v)
		buf = buf[n:]
	}

	return plcvalue.List(items...), nil
}

// InferDataType picks the data type of a write without a declared type from the value kind.
// Strings map to the Logix string structure.
func InferDataType(v plcvalue.Value) (DataType, error) {
	kind := v.Kind()
	if kind == plcvalue.KindList {
		items := v.Items()
		if len(items) == 0 {
			return 0, codecErr(fieldbus.UnsupportedSubtype, 0, "cannot infer the data type of an empty list")
		}
		kind = items[0].Kind()
		for _, item := range items[1:] {
			if item.Kind() != kind {
				return 0, codecErr(fieldbus.UnsupportedSubtype, 0, "list mixes %s and %s", kind, item.Kind())
			}
		}
	}

	switch kind {
	case plcvalue.KindBool:
		return TypeBOOL, nil
	case plcvalue.KindInt8:
		return TypeSINT, nil
	case plcvalue.KindInt16:
		return TypeINT, nil
	case plcvalue.KindInt32:
		return TypeDINT, nil
	case plcvalue.KindInt64:
		return TypeLINT, nil
	case plcvalue.KindUint8:
		return TypeUSINT, nil
	case plcvalue.KindUint16:
		return TypeUINT, nil
	case plcvalue.KindUint32:
		return TypeUDINT, nil
	case plcvalue.KindUint64:
		return TypeULINT, nil
	case plcvalue.KindFloat32:
		return TypeREAL, nil
	case plcvalue.KindFloat64:
		return TypeLREAL, nil
	case plcvalue.KindString:
		return TypeStructString, nil
	case plcvalue.KindTimestamp:
		return TypeDateAndTime, nil
	default:
		return 0, codecErr(fieldbus.UnsupportedSubtype, 0, "no CIP data type for %s values", kind)
	}
}

// decodeTyped decodes a Read Tag reply: the type code, the structure handle for
// structured types, then the elements.
func decodeTyped(buf []byte, declared DataType, count int) (plcvalue.Value, error) {
	if len(buf) < 2 {
		return plcvalue.Null(), codecErr(fieldbus.Truncated, declared, "missing data type")
	}

	actual := DataType(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]

	if actual == TypeStruct {
		if len(buf) < 2 {
			return plcvalue.Null(), codecErr(fieldbus.Truncated, TypeStruct, "missing structure handle")
		}
		handle := binary.LittleEndian.Uint16(buf)
		if handle != StringStructHandle {
			return plcvalue.Null(), codecErr(fieldbus.UnsupportedSubtype, TypeStruct, "structure handle 0x%04X", handle)
		}
		actual = TypeStructString
		buf = buf[2:]
	}

	if declared != 0 && declared != actual {
		return plcvalue.Null(), &DataTypeMismatchError{Declared: declared, Actual: actual}
	}

	return DecodeValue(buf, actual, count)
}

func appendElement(buf []byte, v plcvalue.Value, dt DataType) ([]byte, error) {
	switch dt {
	case TypeBOOL:
		b, ok := v.Bool()
		if !ok {
			n, isInt := v.Uint()
			if !isInt || n > 1 {
				return nil, kindErr(v, dt)
			}
			b = n == 1
		}
		if b {
			return append(buf, 0x01), nil
		}
		return append(buf, 0x00), nil

	case TypeSINT, TypeINT, TypeDINT, TypeLINT:
		n, ok := v.Int()
		if !ok {
			if v.Kind().IsUnsigned() {
				return nil, codecErr(fieldbus.WidthOverflow, dt, "%s does not fit", v)
			}
			return nil, kindErr(v, dt)
		}
		bits := dt.Size() * 8
		if bits < 64 && (n < -(1<<(bits-1)) || n > 1<<(bits-1)-1) {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "%d does not fit %d bits", n, bits)
		}
		return appendUint(buf, uint64(n), dt.Size()), nil

	case TypeUSINT, TypeUINT, TypeUDINT, TypeULINT, TypeBYTE, TypeWORD, TypeDWORD, TypeLWORD:
		n, ok := v.Uint()
		if !ok {
			if v.Kind().IsSigned() {
				return nil, codecErr(fieldbus.WidthOverflow, dt, "negative value %s", v)
			}
			return nil, kindErr(v, dt)
		}
		bits := dt.Size() * 8
		if bits < 64 && n > 1<<bits-1 {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "%d does not fit %d bits", n, bits)
		}
		return appendUint(buf, n, dt.Size()), nil

	case TypeREAL:
		f, err := floatOf(v, dt)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "%g does not fit 32 bits", f)
		}
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(f))), nil

	case TypeLREAL:
		f, err := floatOf(v, dt)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f)), nil

	case TypeSTRING:
		s, ok := v.Text()
		if !ok {
			return nil, kindErr(v, dt)
		}
		if len(s) > math.MaxUint16 {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "length %d", len(s))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
		return append(buf, s...), nil

	case TypeShortSTRING:
		s, ok := v.Text()
		if !ok {
			return nil, kindErr(v, dt)
		}
		if len(s) > math.MaxUint8 {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "length %d", len(s))
		}
		buf = append(buf, byte(len(s)))
		return append(buf, s...), nil

	case TypeStructString:
		s, ok := v.Text()
		if !ok {
			return nil, kindErr(v, dt)
		}
		if len(s) > logixStringCapacity {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "length %d exceeds %d", len(s), logixStringCapacity)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
		return append(buf, make([]byte, logixStringSize-4-len(s))...), nil

	case TypeDateAndTime:
		ts, ok := v.Time()
		if !ok {
			return nil, kindErr(v, dt)
		}
		elapsed := ts.Sub(dateEpoch)
		days := elapsed.Milliseconds() / msPerDay
		if elapsed < 0 || days > math.MaxUint16 {
			return nil, codecErr(fieldbus.WidthOverflow, dt, "%s outside the CIP date range", ts.Format(time.RFC3339))
		}
		ms := elapsed.Milliseconds() - days*msPerDay
		buf = binary.LittleEndian.AppendUint32(buf, uint32(ms))
		return binary.LittleEndian.AppendUint16(buf, uint16(days)), nil

	default:
		return nil, codecErr(fieldbus.UnsupportedSubtype, dt, "cannot encode")
	}
}

// decodeElement decodes one element and returns it with the bytes it occupies.
// last relaxes the trailing padding of the Logix string structure.
func decodeElement(buf []byte, dt DataType, last bool) (plcvalue.Value, int, error) {
	size := dt.Size()
	if size > 0 && dt != TypeStructString && len(buf) < size {
		return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "need %d bytes, have %d", size, len(buf))
	}

	le := binary.LittleEndian
	switch dt {
	case TypeBOOL:
		return plcvalue.Bool(buf[0] != 0), 1, nil
	case TypeSINT:
		return plcvalue.Int8(int8(buf[0])), 1, nil
	case TypeINT:
		return plcvalue.Int16(int16(le.Uint16(buf))), 2, nil
	case TypeDINT:
		return plcvalue.Int32(int32(le.Uint32(buf))), 4, nil
	case TypeLINT:
		return plcvalue.Int64(int64(le.Uint64(buf))), 8, nil
	case TypeUSINT, TypeBYTE:
		return plcvalue.Uint8(buf[0]), 1, nil
	case TypeUINT, TypeWORD:
		return plcvalue.Uint16(le.Uint16(buf)), 2, nil
	case TypeUDINT, TypeDWORD:
		return plcvalue.Uint32(le.Uint32(buf)), 4, nil
	case TypeULINT, TypeLWORD:
		return plcvalue.Uint64(le.Uint64(buf)), 8, nil
	case TypeREAL:
		return plcvalue.Float32(math.Float32frombits(le.Uint32(buf))), 4, nil
	case TypeLREAL:
		return plcvalue.Float64(math.Float64frombits(le.Uint64(buf))), 8, nil

	case TypeDateAndTime:
		ms := le.Uint32(buf)
		days := le.Uint16(buf[4:])
		ts := dateEpoch.AddDate(0, 0, int(days)).Add(time.Duration(ms) * time.Millisecond)
		return plcvalue.Timestamp(ts), 6, nil

	case TypeSTRING:
		if len(buf) < 2 {
			return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "missing length")
		}
		n := int(le.Uint16(buf))
		if len(buf) < 2+n {
			return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "length %d, have %d bytes", n, len(buf)-2)
		}
		return plcvalue.String(string(buf[2 : 2+n])), 2 + n, nil

	case TypeShortSTRING:
		if len(buf) < 1 {
			return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "missing length")
		}
		n := int(buf[0])
		if len(buf) < 1+n {
			return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "length %d, have %d bytes", n, len(buf)-1)
		}
		return plcvalue.String(string(buf[1 : 1+n])), 1 + n, nil

	case TypeStructString:
		need := logixStringSize
		if last {
			need = 4 + logixStringCapacity
		}
		if len(buf) < need {
			return plcvalue.Null(), 0, codecErr(fieldbus.Truncated, dt, "need %d bytes, have %d", need, len(buf))
		}
		n := le.Uint32(buf)
		if n > logixStringCapacity {
			return plcvalue.Null(), 0, codecErr(fieldbus.UnsupportedSubtype, dt, "length %d exceeds %d", n, logixStringCapacity)
		}
		return plcvalue.String(string(buf[4 : 4+n])), min(logixStringSize, len(buf)), nil

	default:
		return plcvalue.Null(), 0, codecErr(fieldbus.UnsupportedSubtype, dt, "cannot decode")
	}
}

func appendUint(buf []byte, n uint64, size int) []byte {
	for i := range size {
		buf = append(buf, byte(n>>(8*i)))
	}

	return buf
}

// floatOf returns v as a float for a REAL or LREAL field. Integers must be exactly
// representable in the field, otherwise the result is a WidthOverflow error.
func floatOf(v plcvalue.Value, dt DataType) (float64, error) {
	if f, ok := v.Float(); ok {
		return f, nil
	}

	narrow := func(f float64) float64 {
		if dt == TypeREAL {
			return float64(float32(f))
		}
		return f
	}

	if n, ok := v.Int(); ok {
		f := narrow(float64(n))
		if f < -(1<<63) || f >= 1<<63 || int64(f) != n {
			return 0, codecErr(fieldbus.WidthOverflow, dt, "%d is not exactly representable", n)
		}
		return f, nil
	}
	if n, ok := v.Uint(); ok {
		f := narrow(float64(n))
		if f >= 1<<64 || uint64(f) != n {
			return 0, codecErr(fieldbus.WidthOverflow, dt, "%d is not exactly representable", n)
		}
		return f, nil
	}

	return 0, kindErr(v, dt)
}

func kindErr(v plcvalue.Value, dt DataType) error {
	return codecErr(fieldbus.UnsupportedSubtype, dt, "cannot encode %s value", v.Kind())
}

func codecErr(kind fieldbus.CodecErrorKind, dt DataType, format string, args ...any) *fieldbus.CodecError {
	name := ""
	if dt != 0 {
		name = dt.String()
	}

	return &fieldbus.CodecError{Kind: kind, DataType: name, Detail: fmt.Sprintf(format, args...)}
}
