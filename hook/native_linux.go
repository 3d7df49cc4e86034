//go:build linux && (amd64 || (arm64 && cgo))

package hook

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sliverarmory/interpose/foreign"
	"github.com/sliverarmory/interpose/procmaps"
)

// NativePatcher rewrites live code of the calling process.
type NativePatcher struct {
	arch  arch
	arena *arena
}

// NewNativePatcher returns the patch backend for the running architecture.
func NewNativePatcher() (*NativePatcher, error) {
	var a arch
	switch runtime.GOARCH {
	case "amd64":
		a = archAMD64
	case "arm64":
		a = archARM64
	default:
		return nil, fmt.Errorf("%s: %w", runtime.GOARCH, ErrUnsupported)
	}
	return &NativePatcher{arch: a, arena: &arena{}}, nil
}

func (p *NativePatcher) Patch(target, interposer uintptr) (uintptr, error) {
	code := foreign.Span(target, maxPrologue)
	n, err := p.arch.plan(code, p.arch.jumpLen)
	if err != nil {
		return 0, fmt.Errorf("plan %s prologue at %#x: %w", p.arch.name, target, err)
	}

	original, err := p.arena.alloc(p.arch.trampoline(target, code[:n]))
	if err != nil {
		return 0, err
	}

	restore := unix.PROT_READ | unix.PROT_EXEC
	if region, err := procmaps.RegionAt(uint64(target)); err == nil {
		restore = protFlags(region.Perms)
	}

	if err := protect(target, p.arch.jumpLen, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return 0, fmt.Errorf("make %#x writable: %w", target, err)
	}
	copy(foreign.Span(target, p.arch.jumpLen), p.arch.jump(interposer))
	flushICache(target, p.arch.jumpLen)

	if err := protect(target, p.arch.jumpLen, restore); err != nil {
		return 0, fmt.Errorf("restore %#x protection: %w", target, err)
	}
	return original, nil
}

func protFlags(perms procmaps.Perms) int {
	prot := unix.PROT_NONE
	if perms.Has(procmaps.PermRead) {
		prot |= unix.PROT_READ
	}
	if perms.Has(procmaps.PermWrite) {
		prot |= unix.PROT_WRITE
	}
	if perms.Has(procmaps.PermExec) {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func protect(addr uintptr, size int, prot int) error {
	start, sz := calcBoundaries(addr, size)
	return unix.Mprotect(foreign.Span(start, int(sz)), prot)
}

// arena hands out trampoline slots from anonymous executable pages. Slots are
// never freed because hooks live as long as the process.
type arena struct {
	mu   sync.Mutex
	page []byte
	used int
}

const slotAlign = 16

func (a *arena) alloc(code []byte) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.page == nil || a.used+len(code) > len(a.page) {
		size := os.Getpagesize()
		for size < len(code) {
			size += os.Getpagesize()
		}
		page, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return 0, fmt.Errorf("map trampoline page: %w", err)
		}
		a.page = page
		a.used = 0
	}

	slot := a.page[a.used : a.used+len(code)]
	copy(slot, code)
	addr := uintptr(unsafe.Pointer(&slot[0]))
	flushICache(addr, len(code))

	a.used += (len(code) + slotAlign - 1) &^ (slotAlign - 1)
	return addr, nil
}
