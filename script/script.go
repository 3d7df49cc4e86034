// Package script bridges host requests into the client's script engine. The
// engine's eval entry is hooked so the live instance and context are captured
// on first use; Eval then runs host source through the original entry.
package script

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/interpose/foreign"
	"github.com/sliverarmory/interpose/hook"
)

// ErrNoContext is returned by Eval before the engine ran any script.
var ErrNoContext = errors.New("no script context captured yet")

// Value is a boxed engine value as returned by the eval entry.
type Value [foreign.ValueSize]byte

// Backend is the native side of the bridge.
type Backend interface {
	// Interposer returns the entry to install over the eval function. Calls
	// through it must report the instance and context to sink.
	Interposer(sink *Bridge) (uintptr, error)
	// Eval runs source through the original eval entry.
	Eval(original, instance, ctx uintptr, source string) (Value, error)
}

// Bridge holds the captured engine state.
type Bridge struct {
	backend Backend
	strings foreign.StringReader
	logger  zerolog.Logger

	mu       sync.RWMutex
	original uintptr
	instance uintptr
	ctx      uintptr
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithStrings replaces how engine strings are read back.
func WithStrings(strings foreign.StringReader) Option {
	return func(b *Bridge) { b.strings = strings }
}

// NewBridge creates a bridge over backend.
func NewBridge(backend Backend, logger zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		backend: backend,
		strings: foreign.MemoryStrings,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capture records the engine instance and context seen by the interposer.
func (b *Bridge) Capture(instance, ctx uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.instance != instance || b.ctx != ctx {
		b.logger.Trace().Msgf("script context %#x/%#x", instance, ctx)
	}
	b.instance = instance
	b.ctx = ctx
}

// SetOriginal stores the trampoline of the hooked eval entry.
func (b *Bridge) SetOriginal(addr uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.original = addr
}

// Original returns the trampoline of the hooked eval entry, or zero.
func (b *Bridge) Original() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.original
}

// MustOriginal is Original for interposers, which cannot fall through.
func (b *Bridge) MustOriginal() uintptr {
	if addr := b.Original(); addr != 0 {
		return addr
	}
	panic(hook.ErrHookNotFound)
}

// Eval runs source in the captured context and renders the result.
func (b *Bridge) Eval(source string) (string, error) {
	b.mu.RLock()
	original, instance, ctx := b.original, b.instance, b.ctx
	b.mu.RUnlock()

	if original == 0 {
		return "", fmt.Errorf("script eval: %w", hook.ErrHookNotFound)
	}
	if instance == 0 || ctx == 0 {
		return "", ErrNoContext
	}
	v, err := b.backend.Eval(original, instance, ctx, source)
	if err != nil {
		return "", fmt.Errorf("script eval: %w", err)
	}
	return foreign.DescribeValue(foreign.NewView(v[:]), b.strings)
}

// Install hooks the eval entry at target with the backend's interposer.
func Install(installer *hook.Installer, target uintptr, backend Backend, logger zerolog.Logger, opts ...Option) (*Bridge, error) {
	b := NewBridge(backend, logger, opts...)
	interposer, err := backend.Interposer(b)
	if err != nil {
		return nil, err
	}
	h, err := installer.Install(target, interposer)
	if err != nil {
		return nil, err
	}
	b.SetOriginal(h.Original)
	logger.Debug().Msgf("script eval hooked at %#x", target)
	return b, nil
}
