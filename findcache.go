// findcache.go
//
// Lookup memoization for the multi-pack-index reader. The cache maps
// *full-length object identifiers* → *resolved entries* so hot objects skip
// the fanout narrowing and binary search on repeat lookups. Abbreviated
// identifiers are never cached: their result depends on the prefix length,
// not just the bytes.

package midx

import (
	"github.com/hashicorp/golang-lru/arc/v2"
)

// findCacheSize bounds the number of memoized lookups per Midx. Entries are
// 32 bytes, so the worst case stays well under a megabyte.
const findCacheSize = 4096

// findCache wraps an ARC cache of resolved lookups. ARC adapts between
// recency and frequency, which suits the mixed scan/point-lookup traffic an
// object database sends at its index. The underlying cache carries its own
// synchronization, so a findCache may be shared freely among goroutines.
//
// Keys are the leading eight bytes of the identifier (Hash.Uint64), which
// keeps the key comparable in one word; the stored entry carries the full
// OID, and lookup re-checks it, so a truncated-key collision degrades to a
// miss instead of a wrong answer.
type findCache struct {
	entries *arc.ARCCache[uint64, Entry]
}

// newFindCache allocates the per-Midx lookup cache. An error from the arc
// package is a non-recoverable initialization failure.
func newFindCache() (*findCache, error) {
	cache, err := arc.NewARC[uint64, Entry](findCacheSize)
	if err != nil {
		return nil, err
	}
	return &findCache{entries: cache}, nil
}

// lookup returns the memoized entry for a full-length identifier. A nil
// receiver reports a miss, so a Midx built without a cache still resolves
// lookups through the tables.
func (c *findCache) lookup(h Hash) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, ok := c.entries.Get(h.Uint64())
	if !ok || e.OID != h {
		return Entry{}, false
	}
	return e, true
}

// add memoizes a resolved entry under its truncated key.
func (c *findCache) add(h Hash, e Entry) {
	if c == nil {
		return
	}
	c.entries.Add(h.Uint64(), e)
}
