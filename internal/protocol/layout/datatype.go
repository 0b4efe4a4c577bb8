// internal/protocol/layout/datatype.go
package layout

import (
	"fmt"
	"strings"
)

// DataType is the wire-level kind of a layout element.
// Values are the numeric codes used by the legacy registration handshake.
type DataType uint8

const (
	Null DataType = iota
	UInt8
	UInt16
	UInt32
	UInt64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
	Bool
	UUID
	String
	Binary
	Array
	Object
)

// String returns the canonical type name
func (dt DataType) String() string {
	switch dt {
	case Null:
		return "null"
	case UInt8:
		return "u8"
	case UInt16:
		return "u16"
	case UInt32:
		return "u32"
	case UInt64:
		return "u64"
	case Int8:
		return "i8"
	case Int16:
		return "i16"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Float32:
		return "f"
	case Float64:
		return "ff"
	case Bool:
		return "bool"
	case UUID:
		return "uuid"
	case String:
		return "s"
	case Binary:
		return "b"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(dt))
	}
}

// Valid reports whether dt is a known data type
func (dt DataType) Valid() bool {
	return dt <= Object
}

// Size returns the encoded width of fixed-width types, -1 otherwise.
func (dt DataType) Size() int {
	switch dt {
	case Null:
		return 0
	case UInt8, Int8, Bool:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case UInt64, Int64, Float64:
		return 8
	case UUID:
		return 16
	default:
		return -1
	}
}

// IsFixed reports whether dt has a fixed encoded width
func (dt DataType) IsFixed() bool {
	return dt.Size() >= 0
}

// IsComplex reports whether elements of this type need a sub-layout
func (dt DataType) IsComplex() bool {
	return dt == Array || dt == Object
}

// primitiveNames maps every accepted primitive spelling to its type.
var primitiveNames = map[string]DataType{
	"null":    Null,
	"bool":    Bool,
	"boolean": Bool,
	"u8":      UInt8,
	"uint8":   UInt8,
	"u16":     UInt16,
	"uint16":  UInt16,
	"u32":     UInt32,
	"uint32":  UInt32,
	"u64":     UInt64,
	"uint64":  UInt64,
	"i8":      Int8,
	"int8":    Int8,
	"i16":     Int16,
	"int16":   Int16,
	"i32":     Int32,
	"int32":   Int32,
	"i64":     Int64,
	"int64":   Int64,
	"f":       Float32,
	"single":  Float32,
	"float":   Float32,
	"ff":      Float64,
	"double":  Float64,
	"uuid":    UUID,
	"guid":    UUID,
	"s":       String,
	"str":     String,
	"string":  String,
	"b":       Binary,
	"bin":     Binary,
	"binary":  Binary,
}

// ParseTypeName resolves a primitive type name such as "u8" or "string".
// Container types have no textual form and are rejected.
func ParseTypeName(name string) (DataType, error) {
	if dt, ok := primitiveNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return dt, nil
	}
	return Null, fmt.Errorf("%w: %q", ErrUnknownPrimitiveType, name)
}

// ParseTypeCode resolves a legacy numeric type code.
func ParseTypeCode(code uint64) (DataType, error) {
	if code > uint64(Object) {
		return Null, fmt.Errorf("%w: code %d", ErrInvalidDataType, code)
	}
	return DataType(code), nil
}
