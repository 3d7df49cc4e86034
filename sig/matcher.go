package sig

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/sliverarmory/interpose/procmaps"
)

// ErrNoModule is returned when a lookup is attempted without a located module.
var ErrNoModule = errors.New("no module to scan")

// Matcher scans the readable and executable regions of a module for patterns,
// going through a shared Cache first.
type Matcher struct {
	cache    *Cache
	memory   Memory
	strategy Strategy
	logger   zerolog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithMemory replaces the default SelfMemory reader.
func WithMemory(memory Memory) Option {
	return func(m *Matcher) {
		m.memory = memory
	}
}

// WithStrategy overrides the architecture strategy used by Resolve.
func WithStrategy(strategy Strategy) Option {
	return func(m *Matcher) {
		m.strategy = strategy
	}
}

// NewMatcher creates a matcher backed by cache. A nil cache gets a private one.
func NewMatcher(cache *Cache, logger zerolog.Logger, opts ...Option) *Matcher {
	if cache == nil {
		cache = NewCache()
	}
	m := &Matcher{
		cache:    cache,
		memory:   SelfMemory{},
		strategy: CurrentStrategy(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cache returns the cache the matcher reads and writes.
func (m *Matcher) Cache() *Cache {
	return m.cache
}

// Strategy returns the architecture strategy used by Resolve.
func (m *Matcher) Strategy() Strategy {
	return m.strategy
}

// anchor returns the start of the first readable and executable region of
// module. Cached offsets are relative to it.
func anchor(regions []procmaps.Region) (uint64, bool) {
	if len(regions) == 0 {
		return 0, false
	}
	return regions[0].Start, true
}

// FindFirst returns the address of the first match of pattern in module. A
// cached result, hit or miss, is returned without touching memory. Results
// are only cached when every executable region could be read.
func (m *Matcher) FindFirst(module *procmaps.Module, pattern string) (uintptr, bool, error) {
	p, err := Parse(pattern)
	if err != nil {
		return 0, false, err
	}
	if module == nil {
		return 0, false, ErrNoModule
	}
	regions := module.Filter(procmaps.PermRead | procmaps.PermExec)
	base, ok := anchor(regions)
	if !ok {
		return 0, false, nil
	}

	if offsets, ok := m.cache.Lookup(pattern); ok {
		if len(offsets) == 0 {
			return 0, false, nil
		}
		return uintptr(base + offsets[0]), true, nil
	}

	complete := true
	for _, region := range regions {
		data, err := m.memory.Read(region.Start, region.End)
		if err != nil {
			complete = false
			m.logger.Warn().Err(err).
				Str("pattern", pattern).
				Msgf("unable to read region %#x-%#x", region.Start, region.End)
			continue
		}
		idx := p.Index(data)
		if idx < 0 {
			m.logger.Debug().
				Str("pattern", pattern).
				Msgf("signature not found in region %#x-%#x", region.Start, region.End)
			continue
		}

		addr := region.Start + uint64(idx)
		m.logger.Debug().
			Str("pattern", pattern).
			Msgf("signature found at %#x in region %#x-%#x", addr, region.Start, region.End)
		// an unread earlier region may hold the real first match
		if !complete {
			return uintptr(addr), true, nil
		}
		offsets := m.cache.Store(pattern, []uint64{addr - base})
		return uintptr(base + offsets[0]), true, nil
	}

	if complete {
		m.cache.Store(pattern, nil)
	}
	return 0, false, nil
}

// FindAll returns every match of pattern across the executable regions of
// module. It shares cache entries with FindFirst, so a pattern first resolved
// by FindFirst reports a single address. Partial scans are never cached.
func (m *Matcher) FindAll(module *procmaps.Module, pattern string) ([]uintptr, error) {
	p, err := Parse(pattern)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, ErrNoModule
	}
	regions := module.Filter(procmaps.PermRead | procmaps.PermExec)
	base, ok := anchor(regions)
	if !ok {
		return nil, nil
	}

	offsets, ok := m.cache.Lookup(pattern)
	if !ok {
		complete := true
		for _, region := range regions {
			data, err := m.memory.Read(region.Start, region.End)
			if err != nil {
				complete = false
				m.logger.Warn().Err(err).
					Str("pattern", pattern).
					Msgf("unable to read region %#x-%#x", region.Start, region.End)
				continue
			}
			for _, idx := range p.IndexAll(data) {
				offsets = append(offsets, region.Start+uint64(idx)-base)
			}
		}
		if complete {
			offsets = m.cache.Store(pattern, offsets)
		}
	}

	out := make([]uintptr, len(offsets))
	for i, off := range offsets {
		out[i] = uintptr(base + off)
	}
	return out, nil
}

// Resolve finds the variant for the matcher's architecture and applies its
// offset to the match. A variant with an empty pattern is reported as not
// found.
func (m *Matcher) Resolve(module *procmaps.Module, arch64, arch32 Variant) (uintptr, bool, error) {
	v := m.strategy.Pick(arch64, arch32)
	if v.Pattern == "" {
		return 0, false, nil
	}
	addr, ok, err := m.FindFirst(module, v.Pattern)
	if err != nil || !ok {
		return 0, ok, err
	}
	return uintptr(int64(addr) + v.Offset), true, nil
}
