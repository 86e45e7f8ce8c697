package main

import (
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gwnet/aresolve"
	"golang.org/x/sys/unix"
)

// proxy is a minimal TCP forward proxy: the reference host for the
// aresolve package described in SPEC_FULL.md 6.2. Each listener accepts
// connections, asks the resolver context for an upstream endpoint, and
// once resolution completes (observed through a single shared epoll
// reactor) dials the upstream and splices the two connections together.
type proxy struct {
	ctx    *aresolve.Ctx
	target string // "host:service"

	epfd int

	mu      sync.Mutex
	pending map[int32]*pendingConn // completion fd -> waiting connection
}

type pendingConn struct {
	client *net.TCPConn
	req    *aresolve.Request
}

func newProxy(ctx *aresolve.Ctx, target string) (*proxy, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &proxy{
		ctx:     ctx,
		target:  target,
		epfd:    epfd,
		pending: make(map[int32]*pendingConn),
	}
	go p.reactorLoop()
	return p, nil
}

// serve accepts connections on ln until it returns an error (typically
// because the listener was closed during shutdown).
func (p *proxy) serve(ln *net.TCPListener) error {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			return err
		}
		go p.handleAccept(conn)
	}
}

func (p *proxy) handleAccept(client *net.TCPConn) {
	host, service, err := splitTarget(p.target)
	if err != nil {
		aresolve.Log.WithError(err).Error("invalid target")
		client.Close()
		return
	}

	req, err := p.ctx.Queue(host, service)
	if err != nil {
		aresolve.Log.WithError(err).WithField("host", host).Error("queue resolution")
		client.Close()
		return
	}

	fd := int32(req.FD())
	p.mu.Lock()
	p.pending[fd] = &pendingConn{client: client, req: req}
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: fd}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		aresolve.Log.WithError(err).Error("epoll_ctl add")
		p.drop(fd)
		client.Close()
	}
}

// reactorLoop is the single epoll-driven event loop that dispatches
// completed resolutions to the dial-and-splice step, matching
// SPEC_FULL.md 6.2's reference reactor exactly: epoll_wait, drain,
// read Request.Result, dial, splice.
func (p *proxy) reactorLoop() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			aresolve.Log.WithError(err).Error("epoll_wait")
			return
		}
		for i := 0; i < n; i++ {
			fd := events[i].Fd
			p.mu.Lock()
			pc, ok := p.pending[fd]
			delete(p.pending, fd)
			p.mu.Unlock()
			if !ok {
				continue
			}
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
			go p.complete(pc)
		}
	}
}

func (p *proxy) drop(fd int32) {
	p.mu.Lock()
	delete(p.pending, fd)
	p.mu.Unlock()
}

func (p *proxy) complete(pc *pendingConn) {
	defer p.ctx.EntryPut(pc.req)

	if err := pc.req.Drain(); err != nil {
		aresolve.Log.WithError(err).Error("drain completion handle")
		pc.client.Close()
		return
	}
	ep, err := pc.req.Result()
	if err != nil {
		aresolve.Log.WithError(err).WithField("name", pc.req.Name).Error("resolution failed")
		pc.client.Close()
		return
	}

	upstream, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(ep))
	if err != nil {
		aresolve.Log.WithError(err).WithField("endpoint", ep).Error("dial upstream")
		pc.client.Close()
		return
	}

	splice(pc.client, upstream)
}

// splice copies bytes in both directions until either side closes, then
// closes both.
func splice(a, b *net.TCPConn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		b.CloseWrite()
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func splitTarget(target string) (host, service string, err error) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return "", "", &net.AddrError{Err: "missing service in target", Addr: target}
	}
	return target[:idx], target[idx+1:], nil
}
