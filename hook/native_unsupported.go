//go:build !linux || !(amd64 || (arm64 && cgo))

package hook

import (
	"fmt"
	"runtime"
)

// NativePatcher is unavailable on this platform.
type NativePatcher struct{}

func NewNativePatcher() (*NativePatcher, error) {
	return nil, fmt.Errorf("%s/%s: %w", runtime.GOOS, runtime.GOARCH, ErrUnsupported)
}

func (p *NativePatcher) Patch(target, interposer uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}
