//go:build linux && amd64

package hook

// x86 keeps instruction fetch coherent with stores.
func flushICache(addr uintptr, n int) {}
