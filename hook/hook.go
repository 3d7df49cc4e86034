// Package hook redirects native functions to interposers while keeping a
// callable entry to the original code.
package hook

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleHook means the target already carries a hook.
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means no hook was installed for the target.
	ErrHookNotFound = errors.New("hook not found")
	// ErrSymbolNotFound means a library symbol could not be resolved.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrRelativeAddr means the prologue holds a PC relative instruction that
	// cannot be moved into a trampoline.
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrShortFunction means the function returns before the patch would end.
	ErrShortFunction = errors.New("function too short to patch")
	// ErrNilAddress means a zero target or interposer was supplied.
	ErrNilAddress = errors.New("nil address")
	// ErrUnsupported means no patch backend exists for this platform.
	ErrUnsupported = errors.New("code patching is not supported on this platform")
)

// Hook records one installed redirection. Original is the trampoline that
// still runs the pre-hook code; calling Target again enters the interposer.
type Hook struct {
	Target     uintptr
	Interposer uintptr
	Original   uintptr
	Library    string
	Symbol     string
}

// MustOriginal returns the trampoline and panics when the hook is missing.
// Falling through to the target would recurse into the interposer.
func (h *Hook) MustOriginal() uintptr {
	if h == nil || h.Original == 0 {
		panic(ErrHookNotFound)
	}
	return h.Original
}

func (h *Hook) String() string {
	if h.Symbol != "" {
		return fmt.Sprintf("%s!%s@%#x", h.Library, h.Symbol, h.Target)
	}
	return fmt.Sprintf("%#x", h.Target)
}

// Patcher rewrites the entry of target so it jumps to interposer and returns
// the address of a trampoline that runs the original code.
type Patcher interface {
	Patch(target, interposer uintptr) (uintptr, error)
}

// Resolver maps a library and exported symbol to a live address.
type Resolver interface {
	Resolve(library, symbol string) (uintptr, error)
}
