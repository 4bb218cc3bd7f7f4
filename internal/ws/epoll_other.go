//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// watched is one connection monitored by the fallback poller. The monitor
// peeks through br, so no byte is lost, and waits on rearm before peeking
// again so it never reads concurrently with the frame reader.
type watched struct {
	br    *bufio.Reader
	rearm chan struct{}
}

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines without epoll.
type Epoll struct {
	mu        sync.RWMutex
	conns     map[net.Conn]*watched
	readyCh   chan net.Conn // connections with pending data
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watched),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watched{br: bufio.NewReader(conn), rearm: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor blocks until data (or an error) is pending, reports the connection
// ready, then waits to be rearmed by the reader.
func (e *Epoll) monitor(conn net.Conn, w *watched) {
	for {
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-e.done:
			return
		}
	}
}

// Reader returns the buffered reader the monitor peeks through.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w := e.conns[conn]
	e.mu.RUnlock()
	if w == nil {
		return conn
	}
	return w.br
}

// Rearm lets the monitor wait for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.RLock()
	w := e.conns[conn]
	e.mu.RUnlock()
	if w == nil {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops tracking conn. Its monitor exits once the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.conns = make(map[net.Conn]*watched)
		e.mu.Unlock()
	})
	return nil
}

// socketFD is not needed by the fallback.
func socketFD(conn net.Conn) int {
	return -1
}
