package aresolve

import (
	"net/netip"
	"sync/atomic"

	"github.com/gwnet/aresolve/internal/completion"
)

// Request carries one lookup's input, output, completion handle, and
// refcount, exactly as SPEC_FULL.md 4.3 describes. It is created with
// refcount 2 (one for the caller, one for whichever path -- worker or
// immediate cache hit -- will complete it) and is released when both
// sides have dropped their reference, at which point its completion
// handle is closed.
type Request struct {
	Name    string
	Service string

	preferIPv6 bool

	done     int32 // atomic: 1 once complete has been called
	endpoint netip.AddrPort
	result   error

	handle *completion.Handle
	refs   int32
}

func newRequest(name, service string, preferIPv6 bool) (*Request, error) {
	h, err := completion.New()
	if err != nil {
		return nil, err
	}
	return &Request{
		Name:       name,
		Service:    service,
		preferIPv6: preferIPv6,
		handle:     h,
		refs:       2,
	}, nil
}

// FD returns the completion handle's descriptor for registration with
// the caller's readiness multiplexer.
func (r *Request) FD() int {
	return r.handle.FD()
}

// Drain clears the completion handle's readiness after the caller has
// observed it; callers drain before releasing the request to avoid a
// descriptor-reuse leak.
func (r *Request) Drain() error {
	return r.handle.Drain()
}

// Result returns the selected endpoint and result error once the
// request has completed. Calling it before completion returns the zero
// endpoint and a nil error; callers should only call Result after
// observing handle readiness.
func (r *Request) Result() (netip.AddrPort, error) {
	if atomic.LoadInt32(&r.done) == 0 {
		return netip.AddrPort{}, nil
	}
	return r.endpoint, r.result
}

// complete writes the output fields, then signals the handle. It must
// be called exactly once per request. The atomic store of r.done
// stands in for the spec's "full store fence": any goroutine that
// observes handle readiness through its own multiplexer and then loads
// r.done is guaranteed by Go's memory model to see the written
// endpoint/result, since Signal's underlying write syscall and the
// reader's subsequent Drain/read happen after this store is issued.
func (r *Request) complete(err error, ep netip.AddrPort) {
	r.endpoint = ep
	r.result = err
	atomic.StoreInt32(&r.done, 1)
	_ = r.handle.Signal()
}

// releaseWorkerRef drops the worker/cache-path's share of the refcount,
// called once the completing side is done with the request.
func (r *Request) releaseWorkerRef() {
	r.release()
}

// release drops one reference; when it reaches zero the completion
// handle is closed and the request is no longer usable.
func (r *Request) release() {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		_ = r.handle.Close()
	}
}

// refcount reports the current reference count, for tests asserting
// conservation (refs reach zero once every holder has released).
func (r *Request) refcount() int32 {
	return atomic.LoadInt32(&r.refs)
}

func defaultEndpoint() netip.AddrPort {
	return netip.AddrPort{}
}
