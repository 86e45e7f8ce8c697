package aresolve

import (
	"expvar"
	"hash/fnv"
	"net/netip"
	"sync"
	"time"
)

// Cache is a bucketed, reference-counted, expiring map from hostname to
// a resolved address block. It mirrors the source's fixed-size array of
// bucket heads, each a singly-linked chain of blocks, guarded by one
// mutex covering every bucket -- the spec permits this granularity
// (SPEC_FULL.md 4.2) given bucket chains are short and lookups are O(1)
// amortized.
//
// Replacing an entry for a name unlinks the old block from its bucket
// (it remains valid for any holder still referencing it) and links the
// new one in its place; Housekeep sweeps every bucket and unlinks
// blocks whose expiry has passed.
type Cache struct {
	mu      sync.Mutex
	buckets []*block
	mask    uint64

	metrics *CacheMetrics

	prefetchTrigger  time.Duration
	prefetchEligible time.Duration
}

// CacheMetrics are exposed via expvar under "aresolve.cache.<id>.*", the
// same convention the teacher's CacheMetrics/getVarInt use.
type CacheMetrics struct {
	hit     *expvar.Int
	miss    *expvar.Int
	expired *expvar.Int
	entries *expvar.Int
}

// CacheOptions configure optional Cache behavior beyond the bare
// bucket/TTL contract. PrefetchTrigger/PrefetchEligible are
// [EXPANDED] from the teacher's cache-prefetch.go. The Cache uses
// PrefetchEligible only to mark blocks at insert time (see
// Entry.PrefetchEligible); deciding when to refresh, and the refresh
// itself, are the resolver context's job since it alone has access to
// the worker pool.
type CacheOptions struct {
	PrefetchTrigger  time.Duration
	PrefetchEligible time.Duration
}

// NewCache allocates a cache with at least nrBuckets bucket heads,
// rounded up to the next power of two for cheap masking (nrBuckets < 1
// is treated as 1). id namespaces the cache's expvar metrics.
func NewCache(id string, nrBuckets int, opt CacheOptions) *Cache {
	if nrBuckets < 1 {
		nrBuckets = 1
	}
	n := nextPow2(nrBuckets)
	return &Cache{
		buckets: make([]*block, n),
		mask:    uint64(n - 1),
		metrics: &CacheMetrics{
			hit:     getVarInt("cache", id, "hit"),
			miss:    getVarInt("cache", id, "miss"),
			expired: getVarInt("cache", id, "expired"),
			entries: getVarInt("cache", id, "entries"),
		},
		prefetchTrigger:  opt.PrefetchTrigger,
		prefetchEligible: opt.PrefetchEligible,
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func bucketHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

func (c *Cache) bucketIndex(name string) uint64 {
	return bucketHash(name) & c.mask
}

// Insert validates the name and address list, builds a new block, and
// publishes it into the target bucket, replacing any existing block for
// the same name. The replaced block, if any, is unlinked but stays
// alive for holders that still reference it; the new chain is
// authoritative and no merge with the old address set is attempted.
func (c *Cache) Insert(name string, addrs []netip.Addr, expiry time.Time) error {
	nb, err := newBlock(name, addrs, expiry)
	if err != nil {
		return err
	}
	if c.prefetchEligible > 0 && time.Until(expiry) > c.prefetchEligible {
		nb.prefetchEligible = true
	}

	idx := c.bucketIndex(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.buckets[idx]
	var prev *block
	for cur := head; cur != nil; cur = cur.nextInB {
		if cur.name == name {
			c.unlinkLocked(idx, prev, cur)
			break
		}
		prev = cur
	}
	nb.nextInB = c.buckets[idx]
	c.buckets[idx] = nb
	c.metrics.entries.Add(1)
	return nil
}

// Getent searches the bucket for name and, on a live match, acquires a
// reference and returns it as an *Entry. A past-expiry match is
// unlinked and reported as ErrExpired, distinct from ErrNotFound so
// callers can decide whether to re-resolve or treat it as a negative
// hit.
func (c *Cache) Getent(name string) (*Entry, error) {
	if l := len(name); l < 1 || l > 255 {
		return nil, ErrInvalid
	}
	idx := c.bucketIndex(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *block
	for cur := c.buckets[idx]; cur != nil; cur = cur.nextInB {
		if cur.name != name {
			prev = cur
			continue
		}
		if cur.expired(time.Now()) {
			c.unlinkLocked(idx, prev, cur)
			c.metrics.expired.Add(1)
			return nil, ErrExpired
		}
		cur.acquire()
		c.metrics.hit.Add(1)
		return &Entry{b: cur}, nil
	}
	c.metrics.miss.Add(1)
	return nil, ErrNotFound
}

// Putent releases one reference on entry's underlying block. If the
// refcount drops to zero and the block is no longer linked in any
// bucket, it is eligible for collection; Putent on a nil entry is a
// no-op.
func (c *Cache) Putent(entry *Entry) {
	if entry == nil {
		return
	}
	entry.b.release()
}

// unlinkLocked removes cur from bucket idx's chain. Caller must hold
// c.mu. The cache's own share of cur's refcount is dropped; any holder
// that acquired a reference before the unlink keeps it valid until they
// call Putent.
func (c *Cache) unlinkLocked(idx uint64, prev, cur *block) {
	if prev == nil {
		c.buckets[idx] = cur.nextInB
	} else {
		prev.nextInB = cur.nextInB
	}
	cur.nextInB = nil
	cur.linked = false
	cur.release()
	c.metrics.entries.Add(-1)
}

// Housekeep scans every bucket and unlinks every block whose expiry is
// in the past. Holders of those blocks keep valid references until they
// release them; the host is expected to invoke this on a timer (the
// spec does not require a dedicated housekeeping thread).
func (c *Cache) Housekeep() (scanned, removed int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for idx := range c.buckets {
		var prev, next *block
		for cur := c.buckets[idx]; cur != nil; cur = next {
			next = cur.nextInB
			scanned++
			if cur.expired(now) {
				c.unlinkLocked(uint64(idx), prev, cur)
				removed++
				continue
			}
			prev = cur
		}
	}
	return scanned, removed
}

// SampleAddr returns one address drawn from an arbitrary live block, for
// operational enrichment (see ASNAnnotator). ok is false for an empty
// cache.
func (c *Cache) SampleAddr() (addr netip.Addr, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, head := range c.buckets {
		if head == nil {
			continue
		}
		if len(head.ipv4) > 0 {
			return head.ipv4[0], true
		}
		if len(head.ipv6) > 0 {
			return head.ipv6[0], true
		}
	}
	return netip.Addr{}, false
}

// Size returns the number of currently linked blocks, for diagnostics.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, head := range c.buckets {
		for cur := head; cur != nil; cur = cur.nextInB {
			n++
		}
	}
	return n
}

// Close releases every block regardless of refcount from the cache's
// point of view; holders keep their references valid until they
// release. Calling Close on a nil *Cache is a no-op.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, head := range c.buckets {
		for cur := head; cur != nil; {
			next := cur.nextInB
			cur.nextInB = nil
			cur.linked = false
			cur.release()
			cur = next
		}
		c.buckets[idx] = nil
	}
}
