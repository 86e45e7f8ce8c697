package aresolve

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// block is the immutable address record backing a cache entry. It plays
// the role of the source's flat "name + v4 array + v6 array" allocation;
// in Go the header and the two address slices are separate allocations
// for type safety, but the block is published into the cache as a single
// unit and is never mutated afterwards. Replacement always builds a new
// block and unlinks the old one, exactly as spec'd.
type block struct {
	name             string
	ipv4             []netip.Addr // always 4-byte addresses
	ipv6             []netip.Addr // always 16-byte addresses
	expiry           time.Time
	refs             int32
	nextInB          *block // bucket chain linkage, guarded by the cache mutex
	linked           bool   // still reachable from a bucket head
	prefetchEligible bool
}

// classifyAddrs splits a resolved address list into IPv4 and IPv6
// families, skipping entries of unknown family. Shared between block
// construction and the worker's endpoint selection in Ctx.onJob.
func classifyAddrs(addrs []netip.Addr) (ipv4, ipv6 []netip.Addr) {
	for _, a := range addrs {
		switch {
		case a.Is4() || a.Is4In6():
			ipv4 = append(ipv4, a.Unmap())
		case a.Is6():
			ipv6 = append(ipv6, a)
		}
	}
	return ipv4, ipv6
}

// newBlock walks the resolved address list once, splitting it into IPv4
// and IPv6 families. Entries of unknown family are skipped. Construction
// fails with ErrInvalid if the name is out of range or the final counts
// are both zero, matching the source's two-pass counting contract (Go's
// slice append does the counting and filling in one pass, since there is
// no need to precompute an allocation size here).
func newBlock(name string, addrs []netip.Addr, expiry time.Time) (*block, error) {
	if l := len(name); l < 1 || l > 255 {
		return nil, ErrInvalid
	}
	b := &block{name: name, expiry: expiry, refs: 1, linked: true}
	b.ipv4, b.ipv6 = classifyAddrs(addrs)
	if len(b.ipv4)+len(b.ipv6) == 0 {
		return nil, ErrInvalid
	}
	return b, nil
}

// acquire takes one reference on the block.
func (b *block) acquire() {
	atomic.AddInt32(&b.refs, 1)
}

// release drops one reference. The block's backing memory is reclaimed
// by the garbage collector once unreachable; release exists so that the
// refcount-conservation property in the spec (acquire count == release
// count at quiescence) is an observable, testable invariant rather than
// an implementation detail hidden behind the GC.
func (b *block) release() {
	atomic.AddInt32(&b.refs, -1)
}

func (b *block) refcount() int32 {
	return atomic.LoadInt32(&b.refs)
}

func (b *block) expired(now time.Time) bool {
	return !b.expiry.After(now)
}

// Entry is the advanced, read-only accessor for a cache block exposed to
// callers that want every resolved address rather than a single selected
// endpoint. It is returned by Cache.Getent and must be released exactly
// once with Cache.Putent.
type Entry struct {
	b *block
}

// Name returns the hostname the entry was stored under.
func (e *Entry) Name() string { return e.b.name }

// IPv4 returns the packed IPv4 addresses of the entry. The returned
// slice must not be modified; it is shared with the cache block.
func (e *Entry) IPv4() []netip.Addr { return e.b.ipv4 }

// IPv6 returns the packed IPv6 addresses of the entry. The returned
// slice must not be modified; it is shared with the cache block.
func (e *Entry) IPv6() []netip.Addr { return e.b.ipv6 }

// Expiry returns the absolute time after which the entry is no longer
// servable from the cache.
func (e *Entry) Expiry() time.Time { return e.b.expiry }

// PrefetchEligible reports whether the entry's TTL at insert time
// exceeded the cache's configured PrefetchEligible floor (SPEC_FULL.md
// 4.2.1). It is always false when no floor is configured.
func (e *Entry) PrefetchEligible() bool { return e.b.prefetchEligible }

// selectEndpoint picks a single address, in the order IPv6-then-IPv4 if
// preferIPv6 is set, else IPv4-first, as the fallback for direct-connect
// callers that do not want the whole address vector.
func (e *Entry) selectEndpoint(service string, preferIPv6 bool) (netip.AddrPort, error) {
	return selectEndpoint(e.b.ipv4, e.b.ipv6, service, preferIPv6)
}

func selectEndpoint(ipv4, ipv6 []netip.Addr, service string, preferIPv6 bool) (netip.AddrPort, error) {
	port, err := lookupPort(service)
	if err != nil {
		return netip.AddrPort{}, err
	}
	order := [][]netip.Addr{ipv4, ipv6}
	if preferIPv6 {
		order[0], order[1] = order[1], order[0]
	}
	for _, fam := range order {
		if len(fam) > 0 {
			return netip.AddrPortFrom(fam[0], port), nil
		}
	}
	return netip.AddrPort{}, ErrInvalid
}
