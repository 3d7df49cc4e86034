//go:build cgo

package script

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	uint64_t u;
	int64_t tag;
} interpose_js_value;

extern uintptr_t interposeScriptCapture(uintptr_t, uintptr_t);

typedef interpose_js_value (*interpose_hooked_eval_fn)(uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t, uint32_t);
typedef interpose_js_value (*interpose_eval_fn)(uintptr_t, uintptr_t, uintptr_t, const char *, size_t, const char *, uint32_t);

static interpose_js_value interpose_script_eval(uintptr_t a0, uintptr_t a1, uintptr_t a2, uintptr_t a3,
		uintptr_t a4, uintptr_t a5, uintptr_t a6, uint32_t a7) {
	uintptr_t fn = interposeScriptCapture(a0, a1);
	return ((interpose_hooked_eval_fn)fn)(a0, a1, a2, a3, a4, a5, a6, a7);
}

static interpose_js_value interpose_call_eval(uintptr_t fn, uintptr_t instance, uintptr_t ctx, const char *src, size_t len) {
	return ((interpose_eval_fn)fn)(instance, ctx, 0, src, len, "<eval>", 0);
}

static uintptr_t interpose_script_eval_addr(void) { return (uintptr_t)&interpose_script_eval; }
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sliverarmory/interpose/hook"
)

var active atomic.Pointer[Bridge]

type nativeBackend struct{}

// Native returns the backend for the running process.
func Native() (Backend, error) {
	return nativeBackend{}, nil
}

func (nativeBackend) Interposer(sink *Bridge) (uintptr, error) {
	if !active.CompareAndSwap(nil, sink) {
		return 0, fmt.Errorf("script eval hook: %w", hook.ErrDoubleHook)
	}
	return uintptr(C.interpose_script_eval_addr()), nil
}

func (nativeBackend) Eval(original, instance, ctx uintptr, source string) (Value, error) {
	src := C.CString(source)
	defer C.free(unsafe.Pointer(src))

	r := C.interpose_call_eval(C.uintptr_t(original), C.uintptr_t(instance), C.uintptr_t(ctx), src, C.size_t(len(source)))
	var v Value
	binary.LittleEndian.PutUint64(v[0:], uint64(r.u))
	binary.LittleEndian.PutUint64(v[8:], uint64(r.tag))
	return v, nil
}
