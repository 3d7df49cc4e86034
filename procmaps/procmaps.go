// Package procmaps snapshots a process memory map and groups the regions that
// belong to a loaded module.
package procmaps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

var (
	// ErrModuleNotFound is returned when no mapped file matches the requested name.
	ErrModuleNotFound = errors.New("module not found")
	// ErrNotMapped is returned when an address lies outside every mapping.
	ErrNotMapped = errors.New("address not mapped")
)

// Perms is the permission set of a mapped region.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
	PermShared
)

// Has reports whether every bit in want is set.
func (p Perms) Has(want Perms) bool {
	return p&want == want
}

func (p Perms) String() string {
	b := []byte("---p")
	if p.Has(PermRead) {
		b[0] = 'r'
	}
	if p.Has(PermWrite) {
		b[1] = 'w'
	}
	if p.Has(PermExec) {
		b[2] = 'x'
	}
	if p.Has(PermShared) {
		b[3] = 's'
	}
	return string(b)
}

// Region is one contiguous mapping. End is exclusive.
type Region struct {
	Start  uint64
	End    uint64
	Perms  Perms
	Offset uint64
	Path   string
}

// Size returns the number of bytes covered by the region.
func (r Region) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Module is a name fragment together with every region mapped from a file
// whose path contains it.
type Module struct {
	Name    string
	Regions []Region
}

// Base returns the load base of the module: the start of its lowest mapping
// minus that mapping's file offset.
func (m *Module) Base() uint64 {
	if m == nil || len(m.Regions) == 0 {
		return 0
	}
	lowest := m.Regions[0]
	for _, r := range m.Regions[1:] {
		if r.Start < lowest.Start {
			lowest = r
		}
	}
	if lowest.Start < lowest.Offset {
		return lowest.Start
	}
	return lowest.Start - lowest.Offset
}

// Path returns the backing file of the first region.
func (m *Module) Path() string {
	if m == nil || len(m.Regions) == 0 {
		return ""
	}
	return m.Regions[0].Path
}

// Filter returns the regions carrying all of the wanted permissions, in order.
func (m *Module) Filter(want Perms) []Region {
	if m == nil {
		return nil
	}
	out := make([]Region, 0, len(m.Regions))
	for _, r := range m.Regions {
		if r.Perms.Has(want) && r.Size() > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Locate finds the regions of the calling process backed by a file whose path
// contains fragment.
func Locate(fragment string) (*Module, error) {
	return LocatePID(0, fragment)
}

// LocatePID is Locate against another process. A pid of zero or less means
// the calling process.
func LocatePID(pid int, fragment string) (*Module, error) {
	if fragment == "" {
		return nil, errors.New("module name cannot be empty")
	}
	regions, err := SnapshotPID(pid)
	if err != nil {
		return nil, err
	}
	return Select(regions, fragment)
}

// LocateAny tries each fragment in order and returns the first module found.
func LocateAny(fragments ...string) (*Module, error) {
	var errs []error
	for _, fragment := range fragments {
		module, err := Locate(fragment)
		if err == nil {
			return module, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrModuleNotFound
	}
	return nil, errors.Join(errs...)
}

// SnapshotPID returns every mapping of pid, anonymous ones included.
func SnapshotPID(pid int) ([]Region, error) {
	var (
		proc procfs.Proc
		err  error
	)
	if pid <= 0 {
		proc, err = procfs.Self()
	} else {
		proc, err = procfs.NewProc(pid)
	}
	if err != nil {
		return nil, fmt.Errorf("open proc %d: %w", pid, err)
	}
	return Snapshot(proc)
}

// Snapshot returns every mapping of proc, anonymous ones included.
func Snapshot(proc procfs.Proc) ([]Region, error) {
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps of %d: %w", proc.PID, err)
	}
	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		regions = append(regions, FromProcMap(m))
	}
	return regions, nil
}

// RegionAt returns the mapping of the calling process that contains addr.
func RegionAt(addr uint64) (Region, error) {
	regions, err := SnapshotPID(0)
	if err != nil {
		return Region{}, err
	}
	for _, r := range regions {
		if r.Contains(addr) {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%#x: %w", addr, ErrNotMapped)
}

// FromProcMap converts a procfs mapping. A " (deleted)" suffix is dropped
// from the path.
func FromProcMap(m *procfs.ProcMap) Region {
	r := Region{
		Start: uint64(m.StartAddr),
		End:   uint64(m.EndAddr),
		Path:  strings.TrimSuffix(m.Pathname, " (deleted)"),
	}
	if m.Offset > 0 {
		r.Offset = uint64(m.Offset)
	}
	if p := m.Perms; p != nil {
		if p.Read {
			r.Perms |= PermRead
		}
		if p.Write {
			r.Perms |= PermWrite
		}
		if p.Execute {
			r.Perms |= PermExec
		}
		if p.Shared {
			r.Perms |= PermShared
		}
	}
	return r
}

// Select groups the file backed regions whose path contains fragment into a
// Module. Anonymous and pseudo mappings such as [stack] never match.
func Select(regions []Region, fragment string) (*Module, error) {
	module := &Module{Name: fragment}
	for _, r := range regions {
		if strings.HasPrefix(r.Path, "/") && strings.Contains(r.Path, fragment) {
			module.Regions = append(module.Regions, r)
		}
	}
	if len(module.Regions) == 0 {
		return nil, fmt.Errorf("%s: %w", fragment, ErrModuleNotFound)
	}
	return module, nil
}
