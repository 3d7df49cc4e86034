package foreign

import (
	"fmt"
	"strconv"
	"unicode/utf16"
)

// Tags of the script engine's boxed value.
const (
	TagBigDecimal       int64 = -11
	TagBigInt           int64 = -10
	TagBigFloat         int64 = -9
	TagSymbol           int64 = -8
	TagString           int64 = -7
	TagModule           int64 = -3
	TagFunctionBytecode int64 = -2
	TagObject           int64 = -1
	TagInt              int64 = 0
	TagBool             int64 = 1
	TagNull             int64 = 2
	TagUndefined        int64 = 3
	TagUninitialized    int64 = 4
	TagCatchOffset      int64 = 5
	TagException        int64 = 6
	TagFloat64          int64 = 7
)

// Boxed value, 64-bit layout:
//
//	0x00 union { int32; float64; void* }
//	0x08 int64 tag
var (
	ValuePayload = Field{Name: "u", Offset: 0, Size: 8}
	ValueTag     = Field{Name: "tag", Offset: 8, Size: 8}
)

// ValueSize is the size of a boxed value.
const ValueSize = 16

// String header:
//
//	0x00 int32  ref_count
//	0x04 uint32 len:31, is_wide_char:1
//	0x08 uint32 hash:30, atom_type:2
//	0x0c uint32 hash_next
//	0x10 chars (uint8 or uint16)
var (
	StringLength = Field{Name: "len", Offset: 4, Size: 4}
)

// StringHeaderSize is the offset of the first character.
const StringHeaderSize = 16

// StringReader maps an engine string pointer to a view starting at its header.
type StringReader func(ptr uint64) (View, error)

// MemoryStrings reads engine strings straight from the process image.
func MemoryStrings(ptr uint64) (View, error) {
	if ptr == 0 {
		return View{}, fmt.Errorf("%w: nil string", ErrOutOfBounds)
	}
	header := NewView(Span(uintptr(ptr), StringHeaderSize))
	bits, err := header.U32(StringLength.Offset)
	if err != nil {
		return View{}, err
	}
	n := int(bits & 0x7fffffff)
	if bits>>31 == 1 {
		n *= 2
	}
	return NewView(Span(uintptr(ptr), StringHeaderSize+n)), nil
}

// DecodeString returns the characters of the string whose header starts the
// view.
func DecodeString(v View) (string, error) {
	bits, err := v.U32(StringLength.Offset)
	if err != nil {
		return "", err
	}
	n := int(bits & 0x7fffffff)
	if bits>>31 == 0 {
		b, err := v.Bytes(StringHeaderSize, n)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	units := make([]uint16, n)
	for i := range units {
		u, err := v.U16(StringHeaderSize + 2*i)
		if err != nil {
			return "", err
		}
		units[i] = u
	}
	return string(utf16.Decode(units)), nil
}

// DescribeValue renders a boxed value the way the eval bridge reports it back
// to the host.
func DescribeValue(v View, strings StringReader) (string, error) {
	tag, err := v.I64(ValueTag.Offset)
	if err != nil {
		return "", err
	}

	switch tag {
	case TagString:
		ptr, err := v.U64(ValuePayload.Offset)
		if err != nil {
			return "", err
		}
		sv, err := strings(ptr)
		if err != nil {
			return "", err
		}
		return DecodeString(sv)
	case TagInt:
		x, err := v.U32(ValuePayload.Offset)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(int32(x))), nil
	case TagBool:
		x, err := v.U32(ValuePayload.Offset)
		if err != nil {
			return "", err
		}
		if x == 1 {
			return "true", nil
		}
		return "false", nil
	case TagNull:
		return "null", nil
	case TagUndefined:
		return "undefined", nil
	case TagObject:
		return "[object]", nil
	case TagFloat64:
		f, err := v.F64(ValuePayload.Offset)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case TagException:
		return "Failed to evaluate script", nil
	default:
		return "[unknown tag " + strconv.FormatInt(tag, 10) + "]", nil
	}
}
