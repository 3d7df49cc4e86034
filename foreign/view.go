// Package foreign gives bounds checked access to memory laid out by native
// code. Offsets are dictated by the foreign side and are not verified by the
// compiler; every layout used by this module is documented next to its
// descriptor.
package foreign

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// ErrOutOfBounds is returned when a field does not fit inside the view.
var ErrOutOfBounds = errors.New("field out of bounds")

// Span returns n bytes of raw memory starting at ptr. Nothing checks that the
// range is mapped.
func Span(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
}

// Addr returns the address of the first byte of b, or zero when b is empty.
func Addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// CString reads a NUL terminated string of at most max bytes from ptr.
func CString(ptr uintptr, max int) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		ch := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if ch == 0 {
			break
		}
		buf = append(buf, ch)
	}
	return string(buf)
}

// Field describes one fixed offset member of a foreign structure.
type Field struct {
	Name   string
	Offset int
	Size   int
}

// View is a little endian accessor over a byte span.
type View struct {
	b []byte
}

// NewView wraps b without copying.
func NewView(b []byte) View {
	return View{b: b}
}

// Len returns the size of the span.
func (v View) Len() int {
	return len(v.b)
}

// Bytes returns n bytes at off, sharing the underlying memory.
func (v View) Bytes(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(v.b) {
		return nil, fmt.Errorf("%w: [%d:%d] of %d", ErrOutOfBounds, off, off+n, len(v.b))
	}
	return v.b[off : off+n], nil
}

func (v View) U8(off int) (uint8, error) {
	b, err := v.Bytes(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (v View) U16(off int) (uint16, error) {
	b, err := v.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (v View) U32(off int) (uint32, error) {
	b, err := v.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (v View) U64(off int) (uint64, error) {
	b, err := v.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (v View) I64(off int) (int64, error) {
	u, err := v.U64(off)
	return int64(u), err
}

func (v View) F64(off int) (float64, error) {
	u, err := v.U64(off)
	return math.Float64frombits(u), err
}

// Field reads an unsigned field of size 1, 2, 4 or 8.
func (v View) Field(f Field) (uint64, error) {
	switch f.Size {
	case 1:
		x, err := v.U8(f.Offset)
		return uint64(x), err
	case 2:
		x, err := v.U16(f.Offset)
		return uint64(x), err
	case 4:
		x, err := v.U32(f.Offset)
		return uint64(x), err
	case 8:
		return v.U64(f.Offset)
	default:
		return 0, fmt.Errorf("field %s: unsupported size %d", f.Name, f.Size)
	}
}
