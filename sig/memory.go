package sig

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sliverarmory/interpose/foreign"
)

// Memory gives read access to an address range of a process image. End is
// exclusive.
type Memory interface {
	Read(start, end uint64) ([]byte, error)
}

// SelfMemory reads the calling process directly. The returned slices alias
// live memory; callers must only pass ranges taken from a fresh maps snapshot.
type SelfMemory struct{}

func (SelfMemory) Read(start, end uint64) ([]byte, error) {
	if end <= start {
		return nil, nil
	}
	return foreign.Span(uintptr(start), int(end-start)), nil
}

// ProcMemory reads another process through /proc/<pid>/mem.
type ProcMemory struct {
	f *os.File
}

// OpenProcMemory opens the memory file of pid.
func OpenProcMemory(pid int) (*ProcMemory, error) {
	path := "/proc/" + strconv.Itoa(pid) + "/mem"
	//nolint:gosec // G304: path is always under /proc.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ProcMemory{f: f}, nil
}

func (m *ProcMemory) Read(start, end uint64) ([]byte, error) {
	if end <= start {
		return nil, nil
	}
	buf := make([]byte, end-start)
	n, err := m.f.ReadAt(buf, int64(start))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read %#x-%#x: %w", start, end, err)
	}
	return buf[:n], nil
}

// Close releases the memory file.
func (m *ProcMemory) Close() error {
	return m.f.Close()
}
