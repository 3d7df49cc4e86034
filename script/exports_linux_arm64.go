//go:build cgo

package script

/*
#include <stdint.h>
*/
import "C"

//export interposeScriptCapture
func interposeScriptCapture(instance, ctx C.uintptr_t) C.uintptr_t {
	b := active.Load()
	if b == nil {
		panic("script interposer called before Install")
	}
	b.Capture(uintptr(instance), uintptr(ctx))
	return C.uintptr_t(b.MustOriginal())
}
