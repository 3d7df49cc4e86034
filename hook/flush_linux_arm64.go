//go:build linux && arm64 && cgo

package hook

/*
// arm64 does not keep the instruction cache coherent with stores, so every
// rewritten range has to be flushed before it runs.

#include <stddef.h>
#include <stdint.h>
static void interpose_flush_cache(uintptr_t addr, size_t len) {
	char *target = (char *)addr;
	__builtin___clear_cache(target, target + len);
}
*/
import "C"

func flushICache(addr uintptr, n int) {
	C.interpose_flush_cache(C.uintptr_t(addr), C.size_t(n))
}
