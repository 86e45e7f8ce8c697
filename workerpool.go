package aresolve

import (
	"sync"
)

// job is one unit of work handed to a worker goroutine. It normally
// wraps a single Request, but when in-flight deduplication is enabled
// (Config.DedupInFlight) concurrent Queue calls for the same name and
// service are coalesced onto one job with multiple waiting requests --
// an optional optimization the spec explicitly permits but does not
// require (SPEC_FULL.md 5), grounded on the teacher's request-dedup.go
// coalescing pattern.
type job struct {
	name, service string
	requests      []*Request

	// dedupKey is the Ctx.dedup map key this job is registered under,
	// set only for jobs created by Queue's coalescing branch. Empty
	// for prefetch jobs and for jobs enqueued with dedup disabled, so
	// onJob knows not to touch the dedup map for them.
	dedupKey string
}

// workerPool is a FIFO queue of pending jobs guarded by a mutex and a
// condition variable, consumed by nrWorkers goroutines. It owns no
// state beyond the queue and the shutdown flag, matching SPEC_FULL.md
// 4.4's worker loop exactly: wait while empty and not shutting down;
// on shutdown, drain remaining jobs by completing them with
// ErrCancelled and exit; otherwise pop one job, unlock, resolve,
// install into cache if enabled, complete, loop.
type workerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*job
	shutdown bool
	wg       sync.WaitGroup

	onJob func(j *job) // resolves, caches, completes; supplied by Ctx
}

func newWorkerPool(nrWorkers int, onJob func(j *job)) *workerPool {
	p := &workerPool{onJob: onJob}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < nrWorkers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// enqueue appends j to the tail of the FIFO queue and wakes one idle
// worker.
func (p *workerPool) enqueue(j *job) {
	p.mu.Lock()
	p.queue = append(p.queue, j)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}
		if p.shutdown {
			// Drain everything left without running any more lookups.
			pending := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, j := range pending {
				cancelJob(j)
			}
			continue
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.onJob(j)
	}
}

func cancelJob(j *job) {
	for _, r := range j.requests {
		r.complete(ErrCancelled, defaultEndpoint())
		r.releaseWorkerRef()
	}
}

// shutdownAndJoin signals every worker to stop, completes every job still
// in the queue with ErrCancelled without waiting for a busy worker, wakes
// the workers, and waits for them to exit. In-flight lookups run to
// completion before their worker exits, matching SPEC_FULL.md 5's
// shutdown contract.
func (p *workerPool) shutdownAndJoin() {
	p.mu.Lock()
	p.shutdown = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	for _, j := range pending {
		cancelJob(j)
	}
	p.wg.Wait()
}
