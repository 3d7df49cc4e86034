//go:build linux && cgo

package asset

/*
#include <stdint.h>
#include <sys/types.h>

extern uintptr_t interposeAssetOpen(uintptr_t, uintptr_t, int);
extern off_t interposeAssetLength(uintptr_t);
extern uintptr_t interposeAssetBuffer(uintptr_t);
extern void interposeAssetClose(uintptr_t);

typedef uintptr_t (*interpose_open_fn)(uintptr_t, uintptr_t, int);
typedef off_t (*interpose_length_fn)(uintptr_t);
typedef uintptr_t (*interpose_buffer_fn)(uintptr_t);
typedef void (*interpose_close_fn)(uintptr_t);

static uintptr_t interpose_call_open(uintptr_t fn, uintptr_t manager, uintptr_t path, int mode) {
	return ((interpose_open_fn)fn)(manager, path, mode);
}

static off_t interpose_call_length(uintptr_t fn, uintptr_t handle) {
	return ((interpose_length_fn)fn)(handle);
}

static uintptr_t interpose_call_buffer(uintptr_t fn, uintptr_t handle) {
	return ((interpose_buffer_fn)fn)(handle);
}

static void interpose_call_close(uintptr_t fn, uintptr_t handle) {
	((interpose_close_fn)fn)(handle);
}

static uintptr_t interpose_open_addr(void) { return (uintptr_t)&interposeAssetOpen; }
static uintptr_t interpose_length_addr(void) { return (uintptr_t)&interposeAssetLength; }
static uintptr_t interpose_buffer_addr(void) { return (uintptr_t)&interposeAssetBuffer; }
static uintptr_t interpose_close_addr(void) { return (uintptr_t)&interposeAssetClose; }
*/
import "C"

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/interpose/hook"
)

// Library is the module exporting the asset manager functions.
const Library = "libandroid.so"

// lengthWidth is the byte width of the off_t returned by AAsset_getLength.
const lengthWidth = C.sizeof_off_t

const (
	symOpen   = "AAssetManager_open"
	symLength = "AAsset_getLength"
	symBuffer = "AAsset_getBuffer"
	symClose  = "AAsset_close"
)

var active atomic.Pointer[Interceptor]

func current() *Interceptor {
	i := active.Load()
	if i == nil {
		panic("asset interposer called before Install")
	}
	return i
}

// nativeOriginals calls the trampolines captured at install time.
type nativeOriginals struct {
	open, length, buffer, close atomic.Uintptr
}

func mustFn(p *atomic.Uintptr, name string) C.uintptr_t {
	fn := p.Load()
	if fn == 0 {
		panic(fmt.Sprintf("original %s not captured: %v", name, hook.ErrHookNotFound))
	}
	return C.uintptr_t(fn)
}

func (n *nativeOriginals) Open(manager, path uintptr, mode int32) uintptr {
	return uintptr(C.interpose_call_open(mustFn(&n.open, symOpen), C.uintptr_t(manager), C.uintptr_t(path), C.int(mode)))
}

func (n *nativeOriginals) Length(handle uintptr) int64 {
	return int64(C.interpose_call_length(mustFn(&n.length, symLength), C.uintptr_t(handle)))
}

func (n *nativeOriginals) Buffer(handle uintptr) uintptr {
	return uintptr(C.interpose_call_buffer(mustFn(&n.buffer, symBuffer), C.uintptr_t(handle)))
}

func (n *nativeOriginals) Close(handle uintptr) {
	C.interpose_call_close(mustFn(&n.close, symClose), C.uintptr_t(handle))
}

// Install hooks the asset manager of the running process. The length, buffer
// and close hooks go in first so their originals exist before open starts
// rewriting archives.
func Install(installer *hook.Installer, shim ShimSource, logger zerolog.Logger, opts ...Option) (*Interceptor, error) {
	originals := &nativeOriginals{}
	in := NewInterceptor(originals, shim, logger, opts...)
	if !active.CompareAndSwap(nil, in) {
		return nil, fmt.Errorf("asset hooks: %w", hook.ErrDoubleHook)
	}

	steps := []struct {
		symbol     string
		interposer uintptr
		original   *atomic.Uintptr
	}{
		{symLength, uintptr(C.interpose_length_addr()), &originals.length},
		{symBuffer, uintptr(C.interpose_buffer_addr()), &originals.buffer},
		{symClose, uintptr(C.interpose_close_addr()), &originals.close},
		{symOpen, uintptr(C.interpose_open_addr()), &originals.open},
	}
	for _, step := range steps {
		h, err := installer.InstallSymbol(Library, step.symbol, step.interposer)
		if err != nil {
			return nil, err
		}
		step.original.Store(h.MustOriginal())
	}
	logger.Debug().Str("library", Library).Msg("asset hooks installed")
	return in, nil
}
