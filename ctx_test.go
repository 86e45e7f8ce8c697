package aresolve

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeLookup resolves a fixed table of names to canned addresses without
// touching the network, so tests are hermetic.
func fakeLookup(table map[string][]netip.Addr) lookupFunc {
	return func(ctx context.Context, name string) ([]netip.Addr, error) {
		addrs, ok := table[name]
		if !ok {
			return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
		}
		return addrs, nil
	}
}

// readable polls fd with epoll for a short window, the same way a caller
// would observe completion through its own reactor.
func readable(t *testing.T, fd int) bool {
	t.Helper()
	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	require.NoError(t, unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev))

	events := make([]unix.EpollEvent, 1)
	n, err := unix.EpollWait(epfd, events, 20)
	require.NoError(t, err)
	return n > 0
}

func waitReady(t *testing.T, req *Request, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if readable(t, req.FD()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request for %s:%s did not complete within %s", req.Name, req.Service, timeout)
}

func TestCtxBasicBatch(t *testing.T) {
	names := []string{
		"localhost", "127.0.0.1", "::1", "facebook.com", "google.com",
		"github.com", "example.com", "twitter.com", "reddit.com",
		"youtube.com", "wikipedia.org", "stackoverflow.com", "amazon.com",
		"microsoft.com", "apple.com", "linkedin.com", "bing.com",
	}
	table := map[string][]netip.Addr{}
	for i, n := range names {
		if i%2 == 0 {
			table[n] = []netip.Addr{netip.AddrFrom4([4]byte{127, 0, 0, byte(i + 1)})}
		} else {
			table[n] = []netip.Addr{netip.MustParseAddr("::1")}
		}
	}

	ctx, err := NewCtx(Config{NumWorkers: 1, Lookup: fakeLookup(table)})
	require.NoError(t, err)
	defer ctx.Close()

	reqs := make([]*Request, len(names))
	for i, n := range names {
		r, err := ctx.Queue(n, "80")
		require.NoError(t, err)
		reqs[i] = r
	}

	for _, r := range reqs {
		waitReady(t, r, 5*time.Second)
		require.NoError(t, r.Drain())
		ep, err := r.Result()
		require.NoError(t, err)
		require.True(t, ep.Addr().Is4() || ep.Addr().Is6())
		ctx.EntryPut(r)
	}
}

func TestCtxCacheHitIdentity(t *testing.T) {
	table := map[string][]netip.Addr{
		"localhost": {netip.MustParseAddr("127.0.0.1")},
	}
	ctx, err := NewCtx(Config{
		NumWorkers:   1,
		CacheBuckets: 16,
		CacheExpiry:  time.Minute,
		Lookup:       fakeLookup(table),
	})
	require.NoError(t, err)
	defer ctx.Close()

	r, err := ctx.Queue("localhost", "80")
	require.NoError(t, err)
	waitReady(t, r, 2*time.Second)
	require.NoError(t, r.Drain())
	ep1, err := r.Result()
	require.NoError(t, err)
	ctx.EntryPut(r)

	ep2, err := ctx.CacheLookup("localhost", "80")
	require.NoError(t, err)
	require.Equal(t, ep1, ep2)

	_, err = ctx.CacheLookup("aaaa.com", "80")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCtxQueueOnClosed(t *testing.T) {
	ctx, err := NewCtx(Config{NumWorkers: 1, Lookup: fakeLookup(nil)})
	require.NoError(t, err)
	require.NoError(t, ctx.Close())

	_, err = ctx.Queue("x", "80")
	require.ErrorIs(t, err, ErrClosed)
}

func TestCtxResolveFailureNotCached(t *testing.T) {
	ctx, err := NewCtx(Config{
		NumWorkers:   1,
		CacheBuckets: 16,
		CacheExpiry:  time.Minute,
		Lookup:       fakeLookup(nil),
	})
	require.NoError(t, err)
	defer ctx.Close()

	r, err := ctx.Queue("nowhere.invalid", "80")
	require.NoError(t, err)
	waitReady(t, r, 2*time.Second)
	require.NoError(t, r.Drain())
	_, resErr := r.Result()
	require.Error(t, resErr)
	ctx.EntryPut(r)

	_, err = ctx.CacheLookup("nowhere.invalid", "80")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCtxShutdownCancelsQueued(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	lookup := func(ctx context.Context, name string) ([]netip.Addr, error) {
		started <- struct{}{}
		<-block
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	}

	c, err := NewCtx(Config{NumWorkers: 1, Lookup: lookup})
	require.NoError(t, err)

	// Occupies the single worker so the second request stays queued.
	inflight, err := c.Queue("first", "80")
	require.NoError(t, err)
	<-started

	queued, err := c.Queue("second", "80")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		require.NoError(t, c.Close())
		close(done)
	}()

	waitReady(t, queued, 2*time.Second)
	require.NoError(t, queued.Drain())
	_, qErr := queued.Result()
	require.ErrorIs(t, qErr, ErrCancelled)
	c.EntryPut(queued)

	close(block)
	<-done

	waitReady(t, inflight, 2*time.Second)
	require.NoError(t, inflight.Drain())
	_, err = inflight.Result()
	require.NoError(t, err)
	c.EntryPut(inflight)
}

func TestCtxDedupInFlight(t *testing.T) {
	var calls int
	block := make(chan struct{})
	lookup := func(ctx context.Context, name string) ([]netip.Addr, error) {
		calls++
		<-block
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	}

	c, err := NewCtx(Config{NumWorkers: 2, DedupInFlight: true, Lookup: lookup})
	require.NoError(t, err)
	defer c.Close()

	r1, err := c.Queue("dup.local", "80")
	require.NoError(t, err)
	// Give the worker a chance to pick up the job before the second
	// Queue call so it coalesces onto a lookup already in flight.
	time.Sleep(20 * time.Millisecond)
	r2, err := c.Queue("dup.local", "80")
	require.NoError(t, err)

	close(block)

	waitReady(t, r1, 2*time.Second)
	waitReady(t, r2, 2*time.Second)
	require.NoError(t, r1.Drain())
	require.NoError(t, r2.Drain())
	ep1, err1 := r1.Result()
	ep2, err2 := r2.Result()
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, ep1, ep2)
	require.Equal(t, 1, calls)
	c.EntryPut(r1)
	c.EntryPut(r2)
}
