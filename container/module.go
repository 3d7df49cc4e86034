// Package container reads and writes the tagged archive format used by the
// client's bundled script modules, and rewrites archives to preload a shim.
//
// Layout: a big endian magic 33 C6 00 01, a little endian u32 holding the
// length of the tag section, then tag records. A record is a u24 little
// endian payload length, one type byte and the payload, zero padded to a
// multiple of four. Records come in pairs: file name, then file content.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic opens every archive.
	Magic uint32 = 0x33c60001

	headerSize    = 8
	recordHeader  = 4
	maxTagPayload = 1<<24 - 1
)

var (
	// ErrFormat means the input is not a well formed archive.
	ErrFormat = errors.New("malformed container")
	// ErrTagTooLarge means a payload does not fit the 24 bit length field.
	ErrTagTooLarge = errors.New("tag payload exceeds 24 bits")
)

// Tag is one record: a type byte and its payload.
type Tag struct {
	Type    byte
	Content []byte
}

func (t Tag) String() string {
	return string(t.Content)
}

// Pair is a file entry, a name tag followed by a content tag.
type Pair struct {
	Name    Tag
	Content Tag
}

// Module is a parsed archive.
type Module struct {
	// DeclaredLength is the tag section length read from the header. It is
	// kept for inspection and recomputed on serialization.
	DeclaredLength uint32
	Pairs          []Pair
}

// Parse decodes an archive. On error no tags are returned.
func Parse(buf []byte) (*Module, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrFormat, headerSize, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrFormat, magic)
	}
	m := &Module{DeclaredLength: binary.LittleEndian.Uint32(buf[4:])}

	var tags []Tag
	off := headerSize
	for off < len(buf) {
		if len(buf)-off < recordHeader {
			return nil, fmt.Errorf("%w: truncated record header at %d", ErrFormat, off)
		}
		size := int(buf[off]) | int(buf[off+1])<<8 | int(buf[off+2])<<16
		typ := buf[off+3]
		off += recordHeader

		if len(buf)-off < size {
			return nil, fmt.Errorf("%w: record at %d declares %d bytes, %d left", ErrFormat, off-recordHeader, size, len(buf)-off)
		}
		content := make([]byte, size)
		copy(content, buf[off:off+size])
		off += size + padding(size)

		tags = append(tags, Tag{Type: typ, Content: content})
	}

	if len(tags)%2 != 0 {
		return nil, fmt.Errorf("%w: odd tag count %d", ErrFormat, len(tags))
	}
	m.Pairs = make([]Pair, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		m.Pairs = append(m.Pairs, Pair{Name: tags[i], Content: tags[i+1]})
	}
	return m, nil
}

// Bytes serializes the module.
func (m *Module) Bytes() ([]byte, error) {
	section := 0
	for _, p := range m.Pairs {
		for _, t := range []Tag{p.Name, p.Content} {
			if len(t.Content) > maxTagPayload {
				return nil, fmt.Errorf("%w: %d bytes", ErrTagTooLarge, len(t.Content))
			}
			section += recordHeader + len(t.Content) + padding(len(t.Content))
		}
	}

	out := make([]byte, headerSize, headerSize+section)
	binary.BigEndian.PutUint32(out, Magic)
	binary.LittleEndian.PutUint32(out[4:], uint32(section))
	for _, p := range m.Pairs {
		out = appendTag(out, p.Name)
		out = appendTag(out, p.Content)
	}
	return out, nil
}

// Lookup returns the first pair whose name equals name.
func (m *Module) Lookup(name string) (Pair, bool) {
	for _, p := range m.Pairs {
		if p.Name.String() == name {
			return p, true
		}
	}
	return Pair{}, false
}

func appendTag(out []byte, t Tag) []byte {
	n := len(t.Content)
	out = append(out, byte(n), byte(n>>8), byte(n>>16), t.Type)
	out = append(out, t.Content...)
	for range padding(n) {
		out = append(out, 0)
	}
	return out
}

func padding(n int) int {
	return (4 - n%4) % 4
}
