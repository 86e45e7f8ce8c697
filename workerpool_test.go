package aresolve

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	p := newWorkerPool(1, func(j *job) {
		mu.Lock()
		order = append(order, j.name)
		mu.Unlock()
		for _, r := range j.requests {
			r.complete(nil, defaultEndpoint())
			r.releaseWorkerRef()
		}
	})
	defer p.shutdownAndJoin()

	names := []string{"a", "b", "c", "d"}
	reqs := make([]*Request, len(names))
	for i, n := range names {
		r, err := newRequest(n, "80", false)
		require.NoError(t, err)
		reqs[i] = r
		p.enqueue(&job{name: n, service: "80", requests: []*Request{r}})
	}

	for _, r := range reqs {
		require.Eventually(t, func() bool {
			return readable(t, r.FD())
		}, 2*time.Second, time.Millisecond)
		require.NoError(t, r.Drain())
		r.release()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, names, order)
}

func TestWorkerPoolShutdownCancelsQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	p := newWorkerPool(1, func(j *job) {
		started <- struct{}{}
		<-release
		for _, r := range j.requests {
			r.complete(nil, defaultEndpoint())
			r.releaseWorkerRef()
		}
	})

	r1, err := newRequest("first", "80", false)
	require.NoError(t, err)
	p.enqueue(&job{name: "first", service: "80", requests: []*Request{r1}})
	<-started // worker is now blocked in release, holding the only slot

	r2, err := newRequest("second", "80", false)
	require.NoError(t, err)
	p.enqueue(&job{name: "second", service: "80", requests: []*Request{r2}})

	done := make(chan struct{})
	go func() {
		p.shutdownAndJoin()
		close(done)
	}()

	// The queued-but-not-yet-started job must be cancelled even though
	// the pool is shutting down and the worker is still busy.
	require.Eventually(t, func() bool {
		return readable(t, r2.FD())
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, r2.Drain())
	_, err = r2.Result()
	require.ErrorIs(t, err, ErrCancelled)
	r2.release()

	close(release)
	<-done

	require.Eventually(t, func() bool {
		return readable(t, r1.FD())
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, r1.Drain())
	_, err = r1.Result()
	require.NoError(t, err)
	r1.release()
}

func TestWorkerPoolMultipleWorkersDrainConcurrently(t *testing.T) {
	const nrWorkers = 4
	var active int32
	var mu sync.Mutex
	var maxActive int32

	start := make(chan struct{})
	p := newWorkerPool(nrWorkers, func(j *job) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		<-start

		mu.Lock()
		active--
		mu.Unlock()

		for _, r := range j.requests {
			r.complete(nil, defaultEndpoint())
			r.releaseWorkerRef()
		}
	})
	defer p.shutdownAndJoin()

	reqs := make([]*Request, nrWorkers)
	for i := 0; i < nrWorkers; i++ {
		r, err := newRequest("w", "80", false)
		require.NoError(t, err)
		reqs[i] = r
		p.enqueue(&job{name: "w", service: "80", requests: []*Request{r}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == nrWorkers
	}, 2*time.Second, time.Millisecond)

	close(start)

	for _, r := range reqs {
		require.Eventually(t, func() bool {
			return readable(t, r.FD())
		}, 2*time.Second, time.Millisecond)
		require.NoError(t, r.Drain())
		r.release()
	}
}
