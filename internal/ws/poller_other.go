//go:build !linux

package ws

import (
	"net"
	"sync"
)

// goPoller is the goroutine-per-connection fallback for non-Linux
// platforms. Each monitor goroutine blocks on a one-byte Peek of the
// connection's buffered reader, so no frame bytes are consumed, and waits
// for Resume before peeking again.
type goPoller struct {
	mu      sync.Mutex
	conns   map[*Connection]*watch
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

func newPoller() (poller, error) {
	return &goPoller{
		conns:   make(map[*Connection]*watch),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *goPoller) Add(c *Connection) error {
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}
	p.mu.Lock()
	p.conns[c] = w
	p.mu.Unlock()

	go p.monitor(c, w)
	return nil
}

func (p *goPoller) monitor(c *Connection, w *watch) {
	for {
		_, err := c.reader.Peek(1)

		// Signal on error too, so the server's read path sees the closure.
		select {
		case p.readyCh <- c:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

func (p *goPoller) Resume(c *Connection) error {
	p.mu.Lock()
	w, ok := p.conns[c]
	p.mu.Unlock()
	if !ok {
		return net.ErrClosed
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
	return nil
}

func (p *goPoller) Remove(c *Connection) error {
	p.mu.Lock()
	w, ok := p.conns[c]
	delete(p.conns, c)
	p.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains any others that are already ready.
func (p *goPoller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

func (p *goPoller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[*Connection]*watch)
	p.mu.Unlock()
	return nil
}

// socketFD is unused off Linux.
func socketFD(net.Conn) int {
	return -1
}
