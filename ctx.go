package aresolve

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Config enumerates the resolver context's construction-time options,
// matching SPEC_FULL.md 4.5's ctx_init config record.
type Config struct {
	// ID namespaces this context's cache metrics. Generated if empty.
	ID string

	// NumWorkers is the size of the blocking-resolver worker pool.
	// Values below 1 are treated as 1.
	NumWorkers int

	// CacheBuckets is the number of cache bucket heads. 0 disables the
	// cache entirely: every Queue call enqueues a worker lookup and no
	// result is ever installed into a cache.
	CacheBuckets int

	// CacheExpiry is the TTL applied to freshly resolved answers. 0
	// disables caching of results even if CacheBuckets > 0: lookups
	// still run through the worker pool but nothing is installed.
	CacheExpiry time.Duration

	// PreferIPv6 controls fallback endpoint-selection order: IPv6-then
	// -IPv4 when set, else IPv4-first.
	PreferIPv6 bool

	// DedupInFlight coalesces concurrent Queue calls for the same
	// (name, service) onto a single worker resolution. Optional
	// optimization, off by default to match the literal spec behavior
	// where concurrent misses race independently (SPEC_FULL.md 5).
	DedupInFlight bool

	// PrefetchTrigger and PrefetchEligible enable background refresh
	// of cache hits nearing expiry (SPEC_FULL.md 4.2.1). Prefetching is
	// off unless both are positive.
	PrefetchTrigger  time.Duration
	PrefetchEligible time.Duration

	// Lookup overrides the blocking name-resolution function; nil uses
	// the host's net.Resolver. Exposed for tests and for hosts that
	// want to bootstrap resolution through another Ctx.
	Lookup lookupFunc

	// ASNAnnotator, if set, adds the autonomous system of a sampled
	// cached address to housekeeping log lines. Purely operational;
	// never consulted for resolution or endpoint selection.
	ASNAnnotator *ASNAnnotator
}

var ctxSeq int64

func nextCtxID() string {
	return fmt.Sprintf("ctx-%d", atomic.AddInt64(&ctxSeq, 1))
}

// Ctx is the resolver context: it owns the cache, the request queue,
// and the worker pool, and enforces shutdown, exactly as SPEC_FULL.md
// 4.5 describes. The zero value is not usable; create one with NewCtx.
type Ctx struct {
	opts   Config
	lookup lookupFunc
	cache  *Cache
	pool   *workerPool

	dedupMu sync.Mutex
	dedup   map[string]*job // nil unless Config.DedupInFlight

	housekeepStop chan struct{}
	housekeepWG   sync.WaitGroup

	closed int32
}

// NewCtx spawns the worker pool and, if configured, the cache and its
// housekeeping ticker.
func NewCtx(cfg Config) (*Ctx, error) {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.ID == "" {
		cfg.ID = nextCtxID()
	}
	if cfg.Lookup == nil {
		cfg.Lookup = defaultLookup
	}

	c := &Ctx{opts: cfg, lookup: cfg.Lookup}
	if cfg.CacheBuckets > 0 {
		c.cache = NewCache(cfg.ID, cfg.CacheBuckets, CacheOptions{
			PrefetchTrigger:  cfg.PrefetchTrigger,
			PrefetchEligible: cfg.PrefetchEligible,
		})
	}
	if cfg.DedupInFlight {
		c.dedup = make(map[string]*job)
	}

	c.pool = newWorkerPool(cfg.NumWorkers, c.onJob)

	if c.cache != nil && cfg.CacheExpiry > 0 {
		interval := cfg.CacheExpiry / 4
		if interval < time.Second {
			interval = time.Second
		}
		c.startHousekeeping(interval)
	}

	Log.WithFields(map[string]interface{}{
		"id":      cfg.ID,
		"workers": cfg.NumWorkers,
		"cache":   c.cache != nil,
	}).Debug("resolver context started")

	return c, nil
}

func dedupKey(name, service string) string {
	return name + "\x00" + service
}

// Queue constructs a request, copies the inputs, and tries a cache
// lookup if caching is enabled. On a cache hit the request is completed
// synchronously (still observable through handle readiness) and
// returned; on a miss it is linked into the worker queue and one
// worker is woken. Queue never blocks beyond the cache mutex's critical
// section.
func (c *Ctx) Queue(name, service string) (*Request, error) {
	if atomic.LoadInt32(&c.closed) != 0 {
		return nil, ErrClosed
	}

	req, err := newRequest(name, service, c.opts.PreferIPv6)
	if err != nil {
		return nil, ErrOOM
	}

	if c.cache != nil {
		entry, err := c.cache.Getent(name)
		if err == nil {
			ep, serr := entry.selectEndpoint(service, c.opts.PreferIPv6)
			req.complete(serr, ep)
			req.releaseWorkerRef()
			c.maybePrefetch(name, service, entry)
			c.cache.Putent(entry)
			return req, nil
		}
		// ErrNotFound or ErrExpired both fall through to a worker lookup.
	}

	if c.dedup != nil {
		key := dedupKey(name, service)
		c.dedupMu.Lock()
		if j, ok := c.dedup[key]; ok {
			j.requests = append(j.requests, req)
			c.dedupMu.Unlock()
			return req, nil
		}
		j := &job{name: name, service: service, requests: []*Request{req}, dedupKey: key}
		c.dedup[key] = j
		c.dedupMu.Unlock()
		c.pool.enqueue(j)
		return req, nil
	}

	c.pool.enqueue(&job{name: name, service: service, requests: []*Request{req}})
	return req, nil
}

// onJob performs the blocking lookup for a job's name, installs the
// answer into the cache when enabled, and completes every request
// waiting on the job (more than one only when DedupInFlight coalesced
// concurrent misses).
func (c *Ctx) onJob(j *job) {
	addrs, err := c.lookup(context.Background(), j.name)

	var (
		ep   netip.AddrPort
		rerr error
	)
	if err != nil {
		rerr = &ResolveError{Name: j.name, Service: j.service, Err: err}
	} else {
		if c.cache != nil && c.opts.CacheExpiry > 0 {
			expiry := time.Now().Add(c.opts.CacheExpiry)
			if insErr := c.cache.Insert(j.name, addrs, expiry); insErr != nil {
				// Allocation/validation failure on cache insert is
				// nonfatal; the lookup result is still delivered.
				Log.WithFields(map[string]interface{}{
					"name": j.name, "error": insErr,
				}).Debug("cache insert failed")
			}
		}
		ipv4, ipv6 := classifyAddrs(addrs)
		ep, rerr = selectEndpoint(ipv4, ipv6, j.service, c.opts.PreferIPv6)
	}

	reqs := j.requests
	if j.dedupKey != "" {
		// Snapshot the waiter slice and unmap the job in one critical
		// section: a concurrent Queue for the same key either appends
		// before this lock is taken (and the append is part of reqs)
		// or finds the key already gone and starts a fresh job. Doing
		// the read and the delete separately left a window where an
		// append could land between them and never be completed.
		c.dedupMu.Lock()
		reqs = j.requests
		delete(c.dedup, j.dedupKey)
		c.dedupMu.Unlock()
	}

	for _, r := range reqs {
		r.complete(rerr, ep)
		r.releaseWorkerRef()
	}
}

// maybePrefetch fires a background re-resolution, through the worker
// pool, of a cache hit whose remaining TTL has fallen under the
// configured trigger. It has no requests attached, so it only
// refreshes the cache; it never touches the original request's
// lifecycle (there is still no per-request cancellation or
// continuation API, per SPEC_FULL.md 5).
func (c *Ctx) maybePrefetch(name, service string, entry *Entry) {
	if c.opts.PrefetchTrigger <= 0 || !entry.PrefetchEligible() {
		return
	}
	remaining := time.Until(entry.Expiry())
	if remaining <= 0 || remaining >= c.opts.PrefetchTrigger {
		return
	}
	c.pool.enqueue(&job{name: name, service: service})
}

// CacheLookup performs a direct, synchronous cache probe that does not
// enqueue a worker lookup on a miss. It returns ErrNotFound if caching
// is disabled or no entry exists, and ErrExpired if the cached entry's
// TTL has passed.
func (c *Ctx) CacheLookup(name, service string) (netip.AddrPort, error) {
	if c.cache == nil {
		return netip.AddrPort{}, ErrNotFound
	}
	entry, err := c.cache.Getent(name)
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer c.cache.Putent(entry)
	return entry.selectEndpoint(service, c.opts.PreferIPv6)
}

// EntryPut releases the caller's reference on a request returned by
// Queue. A nil request is a no-op.
func (c *Ctx) EntryPut(req *Request) {
	if req == nil {
		return
	}
	req.release()
}

func (c *Ctx) startHousekeeping(interval time.Duration) {
	c.housekeepStop = make(chan struct{})
	c.housekeepWG.Add(1)
	go func() {
		defer c.housekeepWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				scanned, removed := c.cache.Housekeep()
				fields := map[string]interface{}{
					"id": c.opts.ID, "scanned": scanned, "removed": removed,
				}
				if c.opts.ASNAnnotator != nil {
					if addr, ok := c.cache.SampleAddr(); ok {
						if asn, org, ok := c.opts.ASNAnnotator.Lookup(addr); ok {
							fields["sample_addr"] = addr
							fields["sample_asn"] = asn
							fields["sample_org"] = org
						}
					}
				}
				Log.WithFields(fields).Debug("cache housekeeping")
			case <-c.housekeepStop:
				return
			}
		}
	}()
}

// Close signals shutdown, joins every worker, and frees the cache. Any
// in-flight requests still held by callers remain valid until they are
// released; Close itself blocks until every worker has exited.
func (c *Ctx) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.housekeepStop != nil {
		close(c.housekeepStop)
		c.housekeepWG.Wait()
	}
	c.pool.shutdownAndJoin()
	c.cache.Close()
	return nil
}
