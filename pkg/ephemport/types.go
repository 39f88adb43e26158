// Package ephemport is the public API for embedding an ephemeral-port TCP
// listener in a host application.
//
//	srv, err := ephemport.New(
//		ephemport.WithHost("127.0.0.1"),
//		ephemport.WithHandlerFunc(func(ctx context.Context, conn *ephemport.Connection) {
//			defer conn.Close()
//			// speak the protocol on conn.Conn()
//		}),
//	)
//	if err != nil {
//		return err
//	}
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	fmt.Println("listening on", srv.Port())
package ephemport

import (
	"context"

	"github.com/sufield/ephemport/internal/adapters/secondary/config"
	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/ports"
)

type (
	// Configuration is the complete listener configuration.
	Configuration = ports.Configuration
	// ListenerConfig controls binding and the accept loop.
	ListenerConfig = ports.ListenerConfig
	// HandlerConfig controls connection dispatch.
	HandlerConfig = ports.HandlerConfig

	// Connection is an accepted connection handed to a Handler.
	Connection = domain.Connection
	// Stats is a snapshot of the listener.
	Stats = domain.ListenerStats
	// AcceptState is the state of the accept loop.
	AcceptState = domain.AcceptState

	// Handler consumes accepted connections.
	Handler = ports.ConnectionHandler
	// HandlerFunc adapts a function to Handler.
	HandlerFunc = ports.ConnectionHandlerFunc
)

// Handler dispatch modes.
const (
	HandlerModeInline = ports.HandlerModeInline
	HandlerModeAsync  = ports.HandlerModeAsync
)

// DefaultConfiguration returns a configuration that binds an ephemeral port
// on every interface.
func DefaultConfiguration() *Configuration {
	return ports.DefaultConfiguration()
}

// LoadConfiguration reads a YAML file (optional, may be "") and EPHEMPORT_*
// environment overrides on top of the defaults.
func LoadConfiguration(ctx context.Context, path string) (*Configuration, error) {
	return config.NewProvider().LoadConfiguration(ctx, path)
}
