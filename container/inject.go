package container

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	// DefaultTarget is the module the shim is placed in front of.
	DefaultTarget = "src/utils/converter.js"
	// DefaultArchive prefixes the asset paths that carry the target module.
	DefaultArchive = "bridge_observables"
	// ShimTagType marks the name and content tags of the injected pair.
	ShimTagType byte = 128
)

// ErrNoShim means injection was requested without loader code.
var ErrNoShim = errors.New("no loader shim set")

// Inject moves the first module whose name ends with target to a randomized
// name and appends a replacement under the original name that runs shim and
// re-exports the moved module. It reports whether a module was rewritten.
func (m *Module) Inject(target, archivePath, shim string, suffix uint32) (bool, error) {
	if shim == "" {
		return false, ErrNoShim
	}
	for i := range m.Pairs {
		name := m.Pairs[i].Name.String()
		if !strings.HasSuffix(name, target) {
			continue
		}

		moved := stem(name) + strconv.FormatUint(uint64(suffix), 10)
		m.Pairs[i].Name.Content = []byte(moved + ".js")

		body := fmt.Sprintf("%s;module.exports = require(\"%s/%s\");", shim, stem(archivePath), moved)
		m.Pairs = append(m.Pairs, Pair{
			Name:    Tag{Type: ShimTagType, Content: []byte(name)},
			Content: Tag{Type: ShimTagType, Content: []byte(body)},
		})
		return true, nil
	}
	return false, nil
}

// stem returns s up to its first dot.
func stem(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// RewriteOptions configures Rewrite. Zero fields take the defaults.
type RewriteOptions struct {
	Target      string
	ArchivePath string
	Shim        string
	// Suffix picks the number appended to the moved module's name.
	Suffix func() uint32
}

// Rewrite decompresses an archive, injects the shim and recompresses it. When
// no module matches, raw is returned unchanged with injected false.
func Rewrite(raw []byte, opts RewriteOptions) (out []byte, injected bool, err error) {
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.ArchivePath == "" {
		opts.ArchivePath = DefaultArchive
	}
	if opts.Suffix == nil {
		opts.Suffix = rand.Uint32
	}

	plain, err := Decompress(raw)
	if err != nil {
		return nil, false, err
	}
	m, err := Parse(plain)
	if err != nil {
		return nil, false, err
	}
	injected, err = m.Inject(opts.Target, opts.ArchivePath, opts.Shim, opts.Suffix())
	if err != nil {
		return nil, false, err
	}
	if !injected {
		return raw, false, nil
	}
	plain, err = m.Bytes()
	if err != nil {
		return nil, false, err
	}
	out, err = Compress(plain)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
