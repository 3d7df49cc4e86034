package sig

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Entry is one cached pattern with its match offsets, relative to the start of
// the first executable region of the module it was found in. On the wire an entry is the pair
// [pattern, [offsets...]].
type Entry struct {
	Pattern string
	Offsets []uint64
}

func (e Entry) MarshalJSON() ([]byte, error) {
	offsets := e.Offsets
	if offsets == nil {
		offsets = []uint64{}
	}
	return json.Marshal([]any{e.Pattern, offsets})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("cache entry: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Pattern); err != nil {
		return fmt.Errorf("cache entry pattern: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Offsets); err != nil {
		return fmt.Errorf("cache entry offsets: %w", err)
	}
	return nil
}

// DecodeEntries parses a serialized cache payload.
func DecodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode signature cache: %w", err)
	}
	return entries, nil
}

// EncodeEntries serializes entries in the payload format DecodeEntries reads.
func EncodeEntries(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Cache memoizes signature results by pattern text. The first result stored
// for a pattern wins; later stores for the same pattern return it unchanged.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]uint64
	order   []string
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string][]uint64)}
}

// Lookup returns the cached offsets for pattern. An empty slice with ok set is
// a cached miss.
func (c *Cache) Lookup(pattern string) ([]uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets, ok := c.entries[pattern]
	if !ok {
		return nil, false
	}
	return slices.Clone(offsets), true
}

// Store records offsets for pattern unless it is already cached, and returns
// whatever the cache now holds.
func (c *Cache) Store(pattern string, offsets []uint64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[pattern]; ok {
		return slices.Clone(existing)
	}
	stored := slices.Clone(offsets)
	if stored == nil {
		stored = []uint64{}
	}
	c.entries[pattern] = stored
	c.order = append(c.order, pattern)
	return slices.Clone(stored)
}

// Load merges a payload supplied by the host. Patterns already cached keep
// their current value.
func (c *Cache) Load(entries []Entry) int {
	added := 0
	for _, e := range entries {
		if e.Pattern == "" {
			continue
		}
		c.mu.Lock()
		if _, ok := c.entries[e.Pattern]; !ok {
			c.entries[e.Pattern] = slices.Clone(e.Offsets)
			if c.entries[e.Pattern] == nil {
				c.entries[e.Pattern] = []uint64{}
			}
			c.order = append(c.order, e.Pattern)
			added++
		}
		c.mu.Unlock()
	}
	return added
}

// Snapshot returns every entry with at least one offset, in insertion order.
// Cached misses stay in memory for the life of the process but are not handed
// back for persistence.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.order))
	for _, pattern := range c.order {
		offsets := c.entries[pattern]
		if len(offsets) == 0 {
			continue
		}
		out = append(out, Entry{Pattern: pattern, Offsets: slices.Clone(offsets)})
	}
	return out
}

// Forget drops the entry for pattern so the next lookup scans again.
func (c *Cache) Forget(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[pattern]; !ok {
		return
	}
	delete(c.entries, pattern)
	c.order = slices.DeleteFunc(c.order, func(p string) bool { return p == pattern })
}

// Len returns the number of cached patterns, misses included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
