//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollPoller wraps Linux epoll. Descriptors are registered EPOLLONESHOT:
// after a readiness event the fd stays silent until Resume re-arms it, so at
// most one worker reads a connection at a time.
type epollPoller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection // fd -> Connection
	events []unix.EpollEvent   // reusable event buffer for Wait
}

const (
	epollFlags    = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLONESHOT
	waitTimeoutMs = 200
)

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *epollPoller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()

	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: epollFlags,
		Fd:     int32(c.Fd),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.conns, c.Fd)
		p.mu.Unlock()
	}
	return err
}

func (p *epollPoller) Resume(c *Connection) error {
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{
		Events: epollFlags,
		Fd:     int32(c.Fd),
	})
}

func (p *epollPoller) Remove(c *Connection) error {
	p.mu.Lock()
	cur, ok := p.conns[c.Fd]
	if ok && cur == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	if !ok || cur != c {
		return nil
	}
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until one or more registered connections are ready for
// reading, or waitTimeoutMs elapses so the caller can observe shutdown.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (p *epollPoller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
