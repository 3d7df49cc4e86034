//go:build linux && cgo

package asset

/*
#include <stdint.h>
#include <sys/types.h>
*/
import "C"

//export interposeAssetOpen
func interposeAssetOpen(manager, path C.uintptr_t, mode C.int) C.uintptr_t {
	return C.uintptr_t(current().Open(uintptr(manager), uintptr(path), int32(mode)))
}

//export interposeAssetLength
func interposeAssetLength(handle C.uintptr_t) C.off_t {
	return C.off_t(current().Length(uintptr(handle)))
}

//export interposeAssetBuffer
func interposeAssetBuffer(handle C.uintptr_t) C.uintptr_t {
	return C.uintptr_t(current().Buffer(uintptr(handle)))
}

//export interposeAssetClose
func interposeAssetClose(handle C.uintptr_t) {
	current().Close(uintptr(handle))
}
