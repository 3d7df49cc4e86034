package sig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Malformed(t *testing.T) {
	tests := []string{
		"",
		"AA BB ?? CC",
		"AA  BB",
		"AA BB ",
		" AA",
		"A BB",
		"AAA",
		"GG",
		"0x",
		"aa\tbb",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			_, err := Parse(text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPattern))
		})
	}
}

func TestParse_Valid(t *testing.T) {
	p, err := Parse("00 e4 ? 6F")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Len())
	assert.Equal(t, "00 e4 ? 6F", p.String())
	assert.True(t, p.Match([]byte{0x00, 0xe4, 0x99, 0x6f}))
	assert.False(t, p.Match([]byte{0x00, 0xe4, 0x99}))
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("AA BB ?? CC") })
	assert.NotPanics(t, func() { MustParse("AA BB ? CC") })
}

func TestIndex_Exact(t *testing.T) {
	p := MustParse("DE AD BE EF")

	data := []byte{0x00, 0x11, 0xde, 0xad, 0xbe, 0xef, 0x22}
	assert.Equal(t, 2, p.Index(data))
	assert.Equal(t, []int{2}, p.IndexAll(data))

	assert.Equal(t, -1, p.Index([]byte{0xde, 0xad, 0xbe, 0xee}))
	assert.Empty(t, p.IndexAll([]byte{0xde, 0xad, 0xbe}))
}

func TestIndex_Wildcards(t *testing.T) {
	p := MustParse("AA ? CC ?")

	for b := 0; b < 256; b++ {
		data := []byte{0x01, 0xaa, byte(b), 0xcc, byte(255 - b)}
		require.Equal(t, 1, p.Index(data), "wildcard byte %#x", b)
	}
	assert.Equal(t, -1, p.Index([]byte{0xaa, 0x00, 0xcd, 0x00}))
	// the pattern must fit entirely inside the buffer
	assert.Equal(t, -1, p.Index([]byte{0x00, 0xaa, 0x00, 0xcc}))
}

func TestIndexAll_Overlapping(t *testing.T) {
	p := MustParse("AA ? AA")
	data := []byte{0xaa, 0x01, 0xaa, 0x02, 0xaa}
	assert.Equal(t, []int{0, 2}, p.IndexAll(data))
}

func TestZeroPattern(t *testing.T) {
	var p Pattern
	assert.Equal(t, -1, p.Index([]byte{1, 2, 3}))
	assert.False(t, p.Match([]byte{1}))
}
