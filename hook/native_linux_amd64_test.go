package hook

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/interpose/procmaps"
)

// movRet is mov eax, 1 followed by a nop sled and ret.
func movRet() []byte {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00}
	for range 16 {
		code = append(code, 0x90)
	}
	return append(code, 0xc3)
}

// codePage maps one page holding movRet at offset 0 and 64, then applies prot.
func codePage(t *testing.T, prot int) []byte {
	t.Helper()
	page, err := unix.Mmap(-1, 0, os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(page) })

	copy(page[0:], movRet())
	copy(page[64:], movRet())
	require.NoError(t, unix.Mprotect(page, prot))
	return page
}

func TestNativePatcher_AMD64(t *testing.T) {
	page := codePage(t, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
	target := uintptr(unsafe.Pointer(&page[0]))
	const interposer = uintptr(0x1122334455667788)

	p, err := NewNativePatcher()
	require.NoError(t, err)

	original, err := p.Patch(target, interposer)
	require.NoError(t, err)
	assert.Equal(t, jumpAMD64(interposer), page[:14])
	assert.Equal(t, movRet()[14:], page[14:22], "bytes past the jump are untouched")

	prologue := movRet()[:14]
	want := append(append([]byte(nil), prologue...), jumpAMD64(target+14)...)
	tramp := unsafe.Slice((*byte)(unsafe.Pointer(original)), len(want))
	assert.Equal(t, want, tramp)
	assert.Zero(t, original%slotAlign)

	second, err := p.Patch(target+64, interposer+1)
	require.NoError(t, err)
	assert.Equal(t, jumpAMD64(interposer+1), page[64:78])
	assert.Equal(t, original+32, second)
	assert.Zero(t, second%slotAlign)
	pageMask := ^uintptr(os.Getpagesize() - 1)
	assert.Equal(t, original&pageMask, second&pageMask)

	// the page was writable before the patch and stays so
	region, err := procmaps.RegionAt(uint64(target))
	require.NoError(t, err)
	assert.True(t, region.Perms.Has(procmaps.PermRead|procmaps.PermWrite|procmaps.PermExec))
	page[100] = 0xcc
}

func TestNativePatcher_RestoresReadExec(t *testing.T) {
	page := codePage(t, unix.PROT_READ|unix.PROT_EXEC)
	target := uintptr(unsafe.Pointer(&page[0]))

	p, err := NewNativePatcher()
	require.NoError(t, err)
	_, err = p.Patch(target, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, jumpAMD64(0x1000), page[:14])

	region, err := procmaps.RegionAt(uint64(target))
	require.NoError(t, err)
	assert.True(t, region.Perms.Has(procmaps.PermRead|procmaps.PermExec))
	assert.False(t, region.Perms.Has(procmaps.PermWrite))
}

func TestProtFlags(t *testing.T) {
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, protFlags(procmaps.PermRead|procmaps.PermExec))
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		protFlags(procmaps.PermRead|procmaps.PermWrite|procmaps.PermExec|procmaps.PermShared))
	assert.Equal(t, unix.PROT_NONE, protFlags(0))
}
