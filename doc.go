/*
Package aresolve implements the asynchronous name-resolution subsystem of a
TCP forward proxy: a worker-pool resolver that turns a (hostname, service)
pair into a connectable socket address without blocking the caller's I/O
event loop, backed by a bucketed, reference-counted, expiring address
cache.

Resolver context

Ctx ties the cache and the worker pool together. A caller on its own
event-loop goroutine calls Queue to start a lookup; the returned Request
carries a completion handle (an eventfd-backed descriptor from the
internal/completion package) that becomes readable once the answer is
ready, so the caller can register it with epoll or any other readiness
multiplexer instead of blocking.

	ctx, err := aresolve.NewCtx(aresolve.Config{
		NumWorkers:   4,
		CacheBuckets: 1024,
		CacheExpiry:  5 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	defer ctx.Close()

	req, err := ctx.Queue("example.com", "443")
	if err != nil {
		panic(err)
	}
	// register req.FD() with the caller's multiplexer, then on
	// readiness:
	req.Drain()
	ep, resolveErr := req.Result()
	ctx.EntryPut(req)

Cache

Cache is usable standalone for callers that want a synchronous probe
without enqueuing a background lookup on a miss; Ctx.CacheLookup exposes
exactly that via the resolver context.
*/
package aresolve
