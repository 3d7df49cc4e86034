package hook

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Installer owns every hook of the process. A single lock serializes the
// patch primitive across all targets.
type Installer struct {
	lock     sync.Mutex
	patcher  Patcher
	resolver Resolver
	logger   zerolog.Logger

	recordsMu sync.RWMutex
	records   map[uintptr]*Hook
}

// NewInstaller creates an installer. A nil resolver disables symbol mode.
func NewInstaller(patcher Patcher, resolver Resolver, logger zerolog.Logger) *Installer {
	return &Installer{
		patcher:  patcher,
		resolver: resolver,
		logger:   logger,
		records:  make(map[uintptr]*Hook),
	}
}

// Install redirects target to interposer.
func (in *Installer) Install(target, interposer uintptr) (*Hook, error) {
	return in.install(&Hook{Target: target, Interposer: interposer})
}

// InstallSymbol resolves symbol in library and redirects it to interposer.
func (in *Installer) InstallSymbol(library, symbol string, interposer uintptr) (*Hook, error) {
	if in.resolver == nil {
		return nil, fmt.Errorf("resolve %s!%s: %w", library, symbol, ErrSymbolNotFound)
	}
	target, err := in.resolver.Resolve(library, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve %s!%s: %w", library, symbol, err)
	}
	return in.install(&Hook{
		Target:     target,
		Interposer: interposer,
		Library:    library,
		Symbol:     symbol,
	})
}

// MustInstallSymbol is InstallSymbol for hooks the caller cannot run without.
func (in *Installer) MustInstallSymbol(library, symbol string, interposer uintptr) *Hook {
	h, err := in.InstallSymbol(library, symbol, interposer)
	if err != nil {
		panic(fmt.Sprintf("install hook %s!%s: %v", library, symbol, err))
	}
	return h
}

func (in *Installer) install(h *Hook) (*Hook, error) {
	if h.Target == 0 || h.Interposer == 0 {
		return nil, fmt.Errorf("install hook %s: %w", h, ErrNilAddress)
	}

	in.lock.Lock()
	defer in.lock.Unlock()

	in.recordsMu.RLock()
	_, exists := in.records[h.Target]
	in.recordsMu.RUnlock()
	if exists {
		return nil, fmt.Errorf("install hook %s: %w", h, ErrDoubleHook)
	}

	original, err := in.patcher.Patch(h.Target, h.Interposer)
	if err != nil {
		return nil, fmt.Errorf("install hook %s: %w", h, err)
	}
	h.Original = original

	in.recordsMu.Lock()
	in.records[h.Target] = h
	in.recordsMu.Unlock()

	in.logger.Debug().
		Str("hook", h.String()).
		Msgf("hooked %#x -> %#x (original %#x)", h.Target, h.Interposer, h.Original)
	return h, nil
}

// Lookup returns the hook installed on target.
func (in *Installer) Lookup(target uintptr) (*Hook, bool) {
	in.recordsMu.RLock()
	defer in.recordsMu.RUnlock()

	h, ok := in.records[target]
	return h, ok
}

// Original returns the trampoline for target.
func (in *Installer) Original(target uintptr) (uintptr, error) {
	h, ok := in.Lookup(target)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", target, ErrHookNotFound)
	}
	return h.Original, nil
}

// Hooks returns a copy of every installed hook ordered by target address.
func (in *Installer) Hooks() []Hook {
	in.recordsMu.RLock()
	out := make([]Hook, 0, len(in.records))
	for _, h := range in.records {
		out = append(out, *h)
	}
	in.recordsMu.RUnlock()

	slices.SortFunc(out, func(a, b Hook) int {
		switch {
		case a.Target < b.Target:
			return -1
		case a.Target > b.Target:
			return 1
		}
		return 0
	})
	return out
}
