//go:build linux && cgo

package asset

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLengthIsOffT(t *testing.T) {
	if strconv.IntSize != 64 {
		t.Skip("off_t width depends on the libc on 32-bit targets")
	}
	assert.Equal(t, 8, int(lengthWidth))
}
