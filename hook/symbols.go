package hook

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/sliverarmory/interpose/procmaps"
)

// ELFResolver resolves exported symbols of a library already mapped into the
// process: the library's file is located through the memory map, its export
// table is read from disk and the symbol value is rebased onto the mapping.
type ELFResolver struct {
	locate func(string) (*procmaps.Module, error)
}

// NewELFResolver resolves against the calling process.
func NewELFResolver() *ELFResolver {
	return &ELFResolver{locate: procmaps.Locate}
}

// NewELFResolverPID resolves against another process.
func NewELFResolverPID(pid int) *ELFResolver {
	return &ELFResolver{locate: func(name string) (*procmaps.Module, error) {
		return procmaps.LocatePID(pid, name)
	}}
}

func (r *ELFResolver) Resolve(library, symbol string) (uintptr, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return 0, fmt.Errorf("symbol name cannot be empty: %w", ErrSymbolNotFound)
	}

	module, err := r.locate(library)
	if err != nil {
		return 0, err
	}
	// a fragment may match several files; stay on the first one
	path := module.Path()
	single := &procmaps.Module{Name: module.Name}
	for _, region := range module.Regions {
		if region.Path == path {
			single.Regions = append(single.Regions, region)
		}
	}

	off, typ, err := findELFSymbolOffset(path, symbol)
	if err != nil {
		return 0, err
	}
	// fixed position executables carry absolute symbol values
	if typ == elf.ET_EXEC {
		return off, nil
	}
	return uintptr(single.Base() + uint64(off)), nil
}

func findELFSymbolOffset(path string, symbol string) (uintptr, elf.Type, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	if syms, err := f.DynamicSymbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, f.Type, nil
		}
	}
	if syms, err := f.Symbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, f.Type, nil
		}
	}
	return 0, 0, fmt.Errorf("symbol %s in %s: %w", symbol, path, ErrSymbolNotFound)
}

func matchSymbolOffset(symbols []elf.Symbol, want string) (uintptr, bool) {
	for _, s := range symbols {
		if s.Value == 0 {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}
