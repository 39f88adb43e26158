package handlers

import (
	"net"
	"sync/atomic"
	"time"
)

// idleConn is a net.Conn whose deadline moves forward on every Read and
// Write. It expires only after timeout passes with no traffic either way.
//
// Once the handler sets a deadline of its own the wrapper stops extending and
// the handler's deadline stands.
type idleConn struct {
	net.Conn
	timeout time.Duration
	manual  atomic.Bool
}

func newIdleConn(conn net.Conn, timeout time.Duration) (*idleConn, error) {
	c := &idleConn{Conn: conn, timeout: timeout}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *idleConn) Read(b []byte) (int, error) {
	c.extend()
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	c.extend()
	return c.Conn.Write(b)
}

func (c *idleConn) SetDeadline(t time.Time) error {
	c.manual.Store(true)
	return c.Conn.SetDeadline(t)
}

func (c *idleConn) SetReadDeadline(t time.Time) error {
	c.manual.Store(true)
	return c.Conn.SetReadDeadline(t)
}

func (c *idleConn) SetWriteDeadline(t time.Time) error {
	c.manual.Store(true)
	return c.Conn.SetWriteDeadline(t)
}

// extend also moves a Read that is blocked in another goroutine, since a new
// deadline applies to pending calls.
func (c *idleConn) extend() {
	if c.manual.Load() {
		return
	}
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
}
