//go:build !linux || !arm64 || !cgo

package script

import (
	"github.com/sliverarmory/interpose/hook"
)

// Native is only available on linux/arm64 with cgo, the one ABI whose eval
// entry layout is known.
func Native() (Backend, error) {
	return nil, hook.ErrUnsupported
}
