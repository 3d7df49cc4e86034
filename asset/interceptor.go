// Package asset serves rewritten script archives through the client's asset
// manager. Handles opened on the target archive get their bytes replaced by a
// shim-injected copy; every other handle passes through to the original code.
package asset

import (
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/sliverarmory/interpose/container"
	"github.com/sliverarmory/interpose/foreign"
)

// maxPathLen bounds how far an asset path is read from native memory.
const maxPathLen = 4096

// Originals are the pre-hook entry points of the asset functions.
type Originals interface {
	Open(manager, path uintptr, mode int32) uintptr
	Length(handle uintptr) int64
	Buffer(handle uintptr) uintptr
	Close(handle uintptr)
}

// ShimSource supplies the loader shim at the moment an archive is opened.
type ShimSource func() string

// entry is one rewritten archive, shared by every open handle whose source
// bytes hash to key. It stays pinned until the last of them is closed.
type entry struct {
	key    uint64
	data   []byte
	refs   int
	pinner runtime.Pinner
}

func (e *entry) addr() uintptr {
	if len(e.data) == 0 {
		return 0
	}
	return foreign.Addr(e.data)
}

// Interceptor holds the handle to rewritten bytes store.
type Interceptor struct {
	originals Originals
	shim      ShimSource
	opts      container.RewriteOptions
	logger    zerolog.Logger

	span    func(ptr uintptr, n int) []byte
	cstring func(ptr uintptr) string

	mu      sync.Mutex
	handles map[uintptr]*entry
	memo    map[uint64]*entry
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithRewriteOptions overrides the target module and archive prefix.
func WithRewriteOptions(opts container.RewriteOptions) Option {
	return func(i *Interceptor) { i.opts = opts }
}

// WithMemory replaces the raw memory accessors, used to read asset bytes and
// path strings handed over by native callers.
func WithMemory(span func(ptr uintptr, n int) []byte, cstring func(ptr uintptr) string) Option {
	return func(i *Interceptor) {
		i.span = span
		i.cstring = cstring
	}
}

// NewInterceptor creates an interceptor calling through to originals.
func NewInterceptor(originals Originals, shim ShimSource, logger zerolog.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{
		originals: originals,
		shim:      shim,
		opts:      container.RewriteOptions{ArchivePath: container.DefaultArchive},
		logger:    logger,
		span:      foreign.Span,
		cstring:   func(ptr uintptr) string { return foreign.CString(ptr, maxPathLen) },
		handles:   make(map[uintptr]*entry),
		memo:      make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Open calls the original open and, for the target archive, stores the
// rewritten bytes under the returned handle.
func (i *Interceptor) Open(manager, pathPtr uintptr, mode int32) uintptr {
	handle := i.originals.Open(manager, pathPtr, mode)
	if handle == 0 || pathPtr == 0 {
		return handle
	}
	prefix := container.DefaultArchive
	if i.opts.ArchivePath != "" {
		prefix = i.opts.ArchivePath
	}
	path := i.cstring(pathPtr)
	if !strings.HasPrefix(path, prefix) {
		return handle
	}

	length := i.originals.Length(handle)
	buffer := i.originals.Buffer(handle)
	if buffer == 0 || length <= 0 {
		i.logger.Warn().Str("path", path).Msg("archive has no readable buffer")
		return handle
	}
	raw := i.span(buffer, int(length))
	i.logger.Debug().Str("path", path).Int64("length", length).Msgf("archive buffer at %#x", buffer)

	shim := i.shim()
	key := memoKey(path, raw, shim)

	i.mu.Lock()
	e, hit := i.memo[key]
	if hit {
		e.refs++
		i.swap(handle, e)
		i.mu.Unlock()
		return handle
	}
	i.mu.Unlock()

	rewritten, ok := i.rewrite(path, raw, shim)
	if !ok {
		return handle
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	// another open of the same archive may have raced us here
	if e, hit = i.memo[key]; !hit {
		e = &entry{key: key, data: rewritten}
		e.pinner.Pin(&e.data[0])
		i.memo[key] = e
	}
	e.refs++
	i.swap(handle, e)
	return handle
}

func memoKey(path string, raw []byte, shim string) uint64 {
	h := xxh3.New()
	_, _ = h.Write(raw)
	_, _ = h.WriteString(path)
	_, _ = h.WriteString(shim)
	return h.Sum64()
}

// swap stores e under handle and releases whatever the handle served before.
// Callers hold i.mu.
func (i *Interceptor) swap(handle uintptr, e *entry) {
	old := i.handles[handle]
	i.handles[handle] = e
	if old != nil {
		i.release(old)
	}
}

// release drops one reference to e, unpinning and forgetting it with the
// last one. Callers hold i.mu.
func (i *Interceptor) release(e *entry) {
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(i.memo, e.key)
	e.pinner.Unpin()
}

func (i *Interceptor) rewrite(path string, raw []byte, shim string) ([]byte, bool) {
	opts := i.opts
	opts.ArchivePath = path
	opts.Shim = shim
	out, injected, err := container.Rewrite(raw, opts)
	if err != nil {
		i.logger.Error().Err(err).Str("path", path).Msg("archive rewrite failed, serving original bytes")
		return nil, false
	}
	if !injected || len(out) == 0 {
		i.logger.Warn().Str("path", path).Str("target", opts.Target).Msg("target module not in archive")
		return nil, false
	}
	i.logger.Debug().Str("path", path).Int("size", len(out)).Msg("loader shim injected")
	return out, true
}

func (i *Interceptor) lookup(handle uintptr) (*entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.handles[handle]
	return e, ok
}

// Length reports the rewritten size for stored handles.
func (i *Interceptor) Length(handle uintptr) int64 {
	if e, ok := i.lookup(handle); ok {
		return int64(len(e.data))
	}
	return i.originals.Length(handle)
}

// Buffer returns the address of the rewritten bytes for stored handles.
func (i *Interceptor) Buffer(handle uintptr) uintptr {
	if e, ok := i.lookup(handle); ok {
		return e.addr()
	}
	return i.originals.Buffer(handle)
}

// Close releases stored bytes before closing the handle. The rewritten copy is
// dropped once no open handle serves it.
func (i *Interceptor) Close(handle uintptr) {
	i.mu.Lock()
	if e, ok := i.handles[handle]; ok {
		delete(i.handles, handle)
		i.release(e)
	}
	i.mu.Unlock()

	i.originals.Close(handle)
}

// Handles reports how many open handles serve rewritten bytes.
func (i *Interceptor) Handles() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.handles)
}

// Retained reports how many distinct rewritten archives are held in memory.
func (i *Interceptor) Retained() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.memo)
}
