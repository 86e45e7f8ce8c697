package completion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHandleSignalDrain(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	require.False(t, readable(t, h.FD()))

	require.NoError(t, h.Signal())
	require.True(t, readable(t, h.FD()))

	require.NoError(t, h.Drain())
	require.False(t, readable(t, h.FD()))
}

func TestHandleDrainIdempotent(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Drain())
	require.NoError(t, h.Drain())
}

func TestHandleSignalOnce(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Signal())
	require.NoError(t, h.Signal())
	require.True(t, readable(t, h.FD()))
	require.NoError(t, h.Drain())
	require.False(t, readable(t, h.FD()))
}

func TestHandleCloseThenSignal(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Error(t, h.Signal())
}

// readable polls the fd with epoll for a short window, matching the way a
// caller would observe completion through its own multiplexer.
func readable(t *testing.T, fd int) bool {
	t.Helper()
	epfd, err := unix.EpollCreate1(0)
	require.NoError(t, err)
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	require.NoError(t, unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev))

	events := make([]unix.EpollEvent, 1)
	n, err := unix.EpollWait(epfd, events, int(50*time.Millisecond/time.Millisecond))
	require.NoError(t, err)
	return n > 0
}
