package transport

import (
	"net"
	"sync"
)

const pipeBacklog = 64

// Pipe returns a connected pair of in-memory message connections. Both
// ends preserve message boundaries and ordering. Used by tests in
// place of a websocket.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBacklog)
	ba := make(chan []byte, pipeBacklog)
	aEnd := &pipeEnd{done: make(chan struct{})}
	bEnd := &pipeEnd{done: make(chan struct{})}
	a := &pipeConn{in: ba, out: ab, local: aEnd, remote: bEnd}
	b := &pipeConn{in: ab, out: ba, local: bEnd, remote: aEnd}
	return a, b
}

type pipeEnd struct {
	once   sync.Once
	done   chan struct{}
	code   int
	reason string
}

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	local  *pipeEnd
	remote *pipeEnd
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	// drain buffered messages before reporting a close
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.local.done:
		return nil, net.ErrClosed
	case <-c.remote.done:
		select {
		case m := <-c.in:
			return m, nil
		default:
		}
		return nil, &CloseError{Code: c.remote.code, Reason: c.remote.reason}
	}
}

func (c *pipeConn) WriteMessage(b []byte) error {
	msg := append([]byte(nil), b...)
	select {
	case <-c.local.done:
		return net.ErrClosed
	case <-c.remote.done:
		return net.ErrClosed
	case c.out <- msg:
		return nil
	}
}

func (c *pipeConn) Close(code int, reason string) error {
	c.local.once.Do(func() {
		c.local.code = code
		c.local.reason = reason
		close(c.local.done)
	})
	return nil
}
