package fib

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of destinations a table cache holds.
const DefaultCacheSize = 65536

// lookupCache remembers recent destination lookups. Entries are tagged with
// the table generation they were computed against; any publish bumps the
// generation, so entries from before a mutation are never served after it.
//
// The LRU serializes its callers, so an enabled cache gives up the lock-free
// read path in exchange for skipping the trie walk on hits.
type lookupCache struct {
	enabled atomic.Bool
	lru     *lru.Cache
	hits    atomic.Uint64
	misses  atomic.Uint64
}

type cacheEntry struct {
	gen   uint64
	route *Route
}

func newLookupCache(size int, enabled bool) (*lookupCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating lookup cache: %w", err)
	}
	c := &lookupCache{lru: l}
	c.enabled.Store(enabled)
	return c, nil
}

// get returns the cached result for addr computed at generation gen. A nil
// route with ok set is a cached miss.
func (c *lookupCache) get(addr uint32, gen uint64) (*Route, bool) {
	v, ok := c.lru.Get(addr)
	if ok {
		if e := v.(cacheEntry); e.gen == gen {
			c.hits.Add(1)
			return e.route, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

func (c *lookupCache) add(addr uint32, gen uint64, r *Route) {
	c.lru.Add(addr, cacheEntry{gen: gen, route: r})
}

// invalidate clears every entry.
func (c *lookupCache) invalidate() {
	c.lru.Purge()
}

// CacheStats describes a table's lookup cache.
type CacheStats struct {
	Enabled bool
	Entries int
	Hits    uint64
	Misses  uint64
}

func (c *lookupCache) stats() CacheStats {
	return CacheStats{
		Enabled: c.enabled.Load(),
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// SetCacheEnabled enables or disables the lookup cache of the table.
// Disabling also drops cached entries.
func (t *Table) SetCacheEnabled(enabled bool) {
	t.cache.enabled.Store(enabled)
	if !enabled {
		t.cache.invalidate()
	}
}

// IsCacheEnabled returns whether lookups consult the cache.
func (t *Table) IsCacheEnabled() bool {
	return t.cache.enabled.Load()
}

// InvalidateCache clears all cached lookups of the table.
func (t *Table) InvalidateCache() {
	t.cache.invalidate()
}
