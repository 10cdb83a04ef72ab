/*
Package pagecache implements the bounded page cache described in spec.md
§4.3: an LIRS (Low Inter-Reference Recency Set) replacement policy, keyed
by on-disk page position, weighted by each page's decoded memory cost
rather than by entry count, and split into independent shards so readers
on different pages never contend on a single mutex.

LIRS distinguishes two classes of resident block: a small HOT set (the
working set, kept as long as possible) and a larger COLD set (recently
admitted pages that have not yet proven they belong in the working set).
A cold page that is referenced again while still tracked in the recency
stack is promoted to hot; a hot page that falls to the bottom of the
recency stack is demoted back to cold. This gives LIRS its key advantage
over plain LRU: a single scan over cold data (a full-table compaction
scan, say) cannot evict the hot working set, because scanned pages are
referenced only once and never leave the cold class.

This implementation keeps the hot/cold split and the promotion-on-second-
reference rule, but — for the size budget available here — does not keep
LIRS's full non-resident ghost history once a cold page is evicted; an
evicted cold page is simply forgotten rather than remembered as a
non-resident hint for future promotion decisions.
*/
package pagecache

import (
	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

// Page is anything the cache can hold: a decoded B-tree page.
type Page interface {
	// Memory estimates the page's retained size in bytes.
	Memory() int
}

// Cache is a sharded, memory-bounded LIRS cache keyed by page position.
type Cache struct {
	shards [shardCount]*shard
}

// New creates a Cache with the given total memory budget, split evenly
// across shards.
func New(maxMemoryBytes int64) *Cache {
	c := &Cache{}
	perShard := maxMemoryBytes / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i] = newShard(perShard)
	}
	return c
}

func shardFor(pos int64) int {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(pos >> (8 * i))
	}
	return int(xxhash.Sum64(b[:]) % shardCount)
}

// Get returns the decoded page at pos, if resident, recording the access
// for LIRS promotion/demotion bookkeeping.
func (c *Cache) Get(pos int64) (Page, bool) {
	return c.shards[shardFor(pos)].get(pos)
}

// Put inserts or replaces the page at pos.
func (c *Cache) Put(pos int64, p Page) {
	c.shards[shardFor(pos)].put(pos, p)
}

// Remove evicts pos immediately, e.g. when the page it names has been
// rewritten at a new position or its chunk has been freed.
func (c *Cache) Remove(pos int64) {
	c.shards[shardFor(pos)].remove(pos)
}

// SetMaxMemory adjusts the total capacity, redistributing evenly across
// shards and evicting as needed.
func (c *Cache) SetMaxMemory(maxMemoryBytes int64) {
	perShard := maxMemoryBytes / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for _, s := range c.shards {
		s.setCapacity(perShard)
	}
}

// Stats aggregates hit/miss counters and memory usage across all shards.
type Stats struct {
	Hits, Misses   int64
	HotBytes       int64
	ColdBytes      int64
	ResidentPages  int
}

func (c *Cache) Stats() Stats {
	var s Stats
	for _, sh := range c.shards {
		sh.mu.Lock()
		s.Hits += sh.hits
		s.Misses += sh.misses
		s.HotBytes += sh.hotMemory
		s.ColdBytes += sh.coldMemory
		s.ResidentPages += len(sh.index)
		sh.mu.Unlock()
	}
	return s
}
