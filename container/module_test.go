package container

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(name, content string) Pair {
	return Pair{
		Name:    Tag{Type: 1, Content: []byte(name)},
		Content: Tag{Type: 2, Content: []byte(content)},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 3, 4, 5} {
		payload := bytes.Repeat([]byte{0xab}, size)
		m := &Module{Pairs: []Pair{
			{Name: Tag{Type: 7, Content: []byte("a.js")}, Content: Tag{Type: 9, Content: payload}},
		}}

		raw, err := m.Bytes()
		require.NoError(t, err)
		assert.Zero(t, (len(raw)-headerSize)%4, "size %d", size)

		back, err := Parse(raw)
		require.NoError(t, err)
		require.Len(t, back.Pairs, 1)
		assert.Equal(t, m.Pairs[0].Name, back.Pairs[0].Name)
		assert.Equal(t, byte(9), back.Pairs[0].Content.Type)
		assert.Equal(t, payload, back.Pairs[0].Content.Content)
		assert.Equal(t, uint32(len(raw)-headerSize), back.DeclaredLength)
	}
}

func TestBytesLayout(t *testing.T) {
	m := &Module{Pairs: []Pair{pair("ab", "xyz12")}}
	raw, err := m.Bytes()
	require.NoError(t, err)

	want := []byte{
		0x33, 0xc6, 0x00, 0x01,
		20, 0, 0, 0,
		2, 0, 0, 1, 'a', 'b', 0, 0,
		5, 0, 0, 2, 'x', 'y', 'z', '1', '2', 0, 0, 0,
	}
	assert.Equal(t, want, raw)
}

func TestParseBadMagic(t *testing.T) {
	raw, err := (&Module{Pairs: []Pair{pair("a", "b")}}).Bytes()
	require.NoError(t, err)
	raw[3] = 0x02

	m, err := Parse(raw)
	require.ErrorIs(t, err, ErrFormat)
	assert.Nil(t, m)
}

func TestParseMalformed(t *testing.T) {
	header := func(tail ...byte) []byte {
		out := []byte{0x33, 0xc6, 0x00, 0x01, 0, 0, 0, 0}
		return append(out, tail...)
	}
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x33, 0xc6, 0x00}},
		{"truncated record header", header(1, 0)},
		{"truncated payload", header(8, 0, 0, 1, 'a', 'b')},
		{"odd tag count", header(1, 0, 0, 1, 'a', 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(tt.raw)
			require.ErrorIs(t, err, ErrFormat)
			assert.Nil(t, m)
		})
	}
}

func TestParseEmptySection(t *testing.T) {
	m, err := Parse([]byte{0x33, 0xc6, 0x00, 0x01, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, m.Pairs)
}

func TestParseDeclaredLengthNotChecked(t *testing.T) {
	raw, err := (&Module{Pairs: []Pair{pair("a", "b")}}).Bytes()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[4:], 9999)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(9999), m.DeclaredLength)
	assert.Len(t, m.Pairs, 1)
}

func TestBytesTagTooLarge(t *testing.T) {
	m := &Module{Pairs: []Pair{{
		Name:    Tag{Content: []byte("big")},
		Content: Tag{Content: make([]byte, maxTagPayload+1)},
	}}}
	_, err := m.Bytes()
	require.ErrorIs(t, err, ErrTagTooLarge)
}

func TestLookup(t *testing.T) {
	m := &Module{Pairs: []Pair{pair("a.js", "1"), pair("b.js", "2")}}
	p, ok := m.Lookup("b.js")
	require.True(t, ok)
	assert.Equal(t, "2", p.Content.String())

	_, ok = m.Lookup("c.js")
	assert.False(t, ok)
}
