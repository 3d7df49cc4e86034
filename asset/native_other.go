//go:build !linux || !cgo

package asset

import (
	"github.com/rs/zerolog"

	"github.com/sliverarmory/interpose/hook"
)

// Library is the module exporting the asset manager functions.
const Library = "libandroid.so"

// Install is unavailable without cgo on linux.
func Install(*hook.Installer, ShimSource, zerolog.Logger, ...Option) (*Interceptor, error) {
	return nil, hook.ErrUnsupported
}
