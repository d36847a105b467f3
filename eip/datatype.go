package eip

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/arloliu/go-fieldbus/plcvalue"
)

// DataType is a CIP elementary data type code, or TypeStruct for structured data.
type DataType uint16

// CIP data type codes.
const (
	TypeBOOL        DataType = 0x00C1 // 1 byte, nonzero is true
	TypeSINT        DataType = 0x00C2
	TypeINT         DataType = 0x00C3
	TypeDINT        DataType = 0x00C4
	TypeLINT        DataType = 0x00C5
	TypeUSINT       DataType = 0x00C6
	TypeUINT        DataType = 0x00C7
	TypeUDINT       DataType = 0x00C8
	TypeULINT       DataType = 0x00C9
	TypeREAL        DataType = 0x00CA
	TypeLREAL       DataType = 0x00CB
	TypeDateAndTime DataType = 0x00CF // UDINT ms of day + UINT days since 1972-01-01
	TypeSTRING      DataType = 0x00D0 // UINT length + characters
	TypeBYTE        DataType = 0x00D1
	TypeWORD        DataType = 0x00D2
	TypeDWORD       DataType = 0x00D3
	TypeLWORD       DataType = 0x00D4
	TypeShortSTRING DataType = 0x00DA // USINT length + characters

	// TypeStruct prefixes structured data; a UINT structure handle follows it on the wire.
	TypeStruct DataType = 0x02A0

	// TypeStructString is the Logix STRING structure: DINT length + 82 characters.
	// It is not a wire code; on the wire it is TypeStruct with handle StringStructHandle.
	TypeStructString DataType = 0xF0CE
)

// StringStructHandle is the structure handle of the Logix STRING type.
const StringStructHandle uint16 = 0x0FCE

const (
	logixStringCapacity = 82
	// logixStringSize is the element stride of a Logix STRING, padded to a DINT boundary.
	logixStringSize = 88
)

var dataTypeNames = map[DataType]string{
	TypeBOOL:         "BOOL",
	TypeSINT:         "SINT",
	TypeINT:          "INT",
	TypeDINT:         "DINT",
	TypeLINT:         "LINT",
	TypeUSINT:        "USINT",
	TypeUINT:         "UINT",
	TypeUDINT:        "UDINT",
	TypeULINT:        "ULINT",
	TypeREAL:         "REAL",
	TypeLREAL:        "LREAL",
	TypeDateAndTime:  "DATE_AND_TIME",
	TypeSTRING:       "STRING",
	TypeBYTE:         "BYTE",
	TypeWORD:         "WORD",
	TypeDWORD:        "DWORD",
	TypeLWORD:        "LWORD",
	TypeShortSTRING:  "SHORT_STRING",
	TypeStruct:       "STRUCT",
	TypeStructString: "STRUCT_STRING",
}

var dataTypesByName = func() map[string]DataType {
	m := make(map[string]DataType, len(dataTypeNames))
	for dt, name := range dataTypeNames {
		if dt != TypeStruct {
			m[name] = dt
		}
	}
	return m
}()

func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(0x%04X)", uint16(dt))
}

// ParseDataType returns the data type named name, case-insensitively.
func ParseDataType(name string) (DataType, bool) {
	dt, ok := dataTypesByName[strings.ToUpper(name)]
	return dt, ok
}

// Size returns the fixed encoded size of one element, or 0 for variable length types.
func (dt DataType) Size() int {
	switch dt {
	case TypeBOOL, TypeSINT, TypeUSINT, TypeBYTE:
		return 1
	case TypeINT, TypeUINT, TypeWORD:
		return 2
	case TypeDINT, TypeUDINT, TypeREAL, TypeDWORD:
		return 4
	case TypeDateAndTime:
		return 6
	case TypeLINT, TypeULINT, TypeLREAL, TypeLWORD:
		return 8
	case TypeStructString:
		return logixStringSize
	default:
		return 0
	}
}

// Kind returns the value kind decoded from and encoded into dt.
func (dt DataType) Kind() plcvalue.Kind {
	switch dt {
	case TypeBOOL:
		return plcvalue.KindBool
	case TypeSINT:
		return plcvalue.KindInt8
	case TypeINT:
		return plcvalue.KindInt16
	case TypeDINT:
		return plcvalue.KindInt32
	case TypeLINT:
		return plcvalue.KindInt64
	case TypeUSINT, TypeBYTE:
		return plcvalue.KindUint8
	case TypeUINT, TypeWORD:
		return plcvalue.KindUint16
	case TypeUDINT, TypeDWORD:
		return plcvalue.KindUint32
	case TypeULINT, TypeLWORD:
		return plcvalue.KindUint64
	case TypeREAL:
		return plcvalue.KindFloat32
	case TypeLREAL:
		return plcvalue.KindFloat64
	case TypeSTRING, TypeShortSTRING, TypeStructString:
		return plcvalue.KindString
	case TypeDateAndTime:
		return plcvalue.KindTimestamp
	default:
		return plcvalue.KindNull
	}
}

// wireHeader returns the type header of a Write Tag request for dt.
func (dt DataType) wireHeader() []byte {
	le := binary.LittleEndian
	if dt == TypeStructString {
		return le.AppendUint16(le.AppendUint16(nil, uint16(TypeStruct)), StringStructHandle)
	}
	return le.AppendUint16(nil, uint16(dt))
}
