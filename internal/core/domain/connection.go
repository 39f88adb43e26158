package domain

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
)

// Connection is an accepted inbound socket on its way to a connection handler.
// The core releases ownership once the handler has been invoked; closing the
// socket is the handler's job from then on.
type Connection struct {
	ID         string
	LocalAddr  string
	RemoteAddr string
	AcceptedAt time.Time

	conn net.Conn
}

// NewConnection wraps an accepted socket and assigns it a unique ID.
func NewConnection(conn net.Conn, acceptedAt time.Time) (*Connection, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	c := &Connection{
		ID:         uuid.NewString(),
		AcceptedAt: acceptedAt,
		conn:       conn,
	}
	if addr := conn.LocalAddr(); addr != nil {
		c.LocalAddr = addr.String()
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	return c, nil
}

// Conn returns the underlying socket.
func (c *Connection) Conn() net.Conn {
	return c.conn
}

// WithConn returns a copy of c that uses nc as its socket. Adapters use it to
// decorate the socket while keeping the connection's identity.
func (c *Connection) WithConn(nc net.Conn) *Connection {
	cp := *c
	cp.conn = nc
	return &cp
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ListenerStats is a point-in-time snapshot of a listener manager.
type ListenerStats struct {
	State        LifecycleState
	AcceptState  AcceptState
	Port         int
	Address      string
	Accepted     uint64
	AcceptErrors uint64
	Panics       uint64
	LastError    error
}
