// Package completion implements the resolver's completion-handle contract:
// an OS descriptor that becomes readable exactly once, drains on read, and
// can be registered with an edge-triggered readiness multiplexer such as
// epoll. It is backed by a Linux eventfd, which provides exactly the
// "write one token -> readable; read N tokens -> drains" semantics the
// resolver's request objects need.
package completion

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Handle wraps a non-blocking Linux eventfd descriptor. The zero value is
// not usable; create one with New.
type Handle struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// New creates an eventfd-backed completion handle with an initial counter
// value of zero. The descriptor is non-blocking and close-on-exec so that
// a Drain on an empty handle never blocks the caller.
func New() (*Handle, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("completion: eventfd: %w", err)
	}
	return &Handle{fd: fd}, nil
}

// FD returns the raw descriptor for registration with a readiness
// multiplexer (epoll, kqueue via a shim, etc). The descriptor remains
// owned by the Handle; callers must not close it directly.
func (h *Handle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fd
}

// Signal writes a single token to the eventfd counter, making the
// descriptor readable. Safe to call concurrently with Drain and with
// itself; eventfd counter increments are atomic in the kernel.
func (h *Handle) Signal() error {
	h.mu.Lock()
	fd := h.fd
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("completion: signal on closed handle")
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Drain reads and discards the eventfd counter, returning the descriptor
// to a non-readable state. Calling Drain on an already-drained handle is
// a no-op: the non-blocking read returns EAGAIN, which Drain swallows.
func (h *Handle) Drain() error {
	h.mu.Lock()
	fd := h.fd
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil
	}
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}

// Close releases the underlying descriptor. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return unix.Close(h.fd)
}
