package ports

import (
	"context"
	"net"

	"github.com/sufield/ephemport/internal/core/domain"
)

// ConnectionHandler consumes accepted connections.
//
// HandleConnection is called exactly once per accepted connection, on the
// acceptance task's goroutine, and takes ownership of conn. Implementations
// that do real work should hand off to another goroutine; the next Accept
// does not happen until HandleConnection returns. ctx is cancelled when the
// listener is stopped.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn *domain.Connection)
}

// ConnectionHandlerFunc adapts a function to ConnectionHandler.
type ConnectionHandlerFunc func(ctx context.Context, conn *domain.Connection)

// HandleConnection calls f(ctx, conn).
func (f ConnectionHandlerFunc) HandleConnection(ctx context.Context, conn *domain.Connection) {
	f(ctx, conn)
}

// ListenFunc binds a listener. It matches (*net.ListenConfig).Listen so tests
// can substitute failing or instrumented listeners.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)
