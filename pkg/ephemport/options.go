package ephemport

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures server creation behavior.
type Option func(*serverOpts)

type serverOpts struct {
	config     *Configuration
	handler    Handler
	logger     *slog.Logger
	registerer prometheus.Registerer

	host       *string
	port       *int
	maxAccepts *int
}

// WithConfig provides an in-memory configuration. It is copied; later
// changes to cfg do not affect the server.
func WithConfig(cfg *Configuration) Option {
	return func(o *serverOpts) {
		o.config = cfg
	}
}

// WithHandler sets the connection handler. Without one, connections are
// logged and closed.
func WithHandler(h Handler) Option {
	return func(o *serverOpts) {
		o.handler = h
	}
}

// WithHandlerFunc is WithHandler for a plain function.
func WithHandlerFunc(fn func(ctx context.Context, conn *Connection)) Option {
	return func(o *serverOpts) {
		if fn != nil {
			o.handler = HandlerFunc(fn)
		}
	}
}

// WithLogger routes listener logs to logger. Without one the listener is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOpts) {
		o.logger = logger
	}
}

// WithMetricsRegisterer registers the listener's Prometheus collectors with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *serverOpts) {
		o.registerer = reg
	}
}

// WithHost overrides the bind host.
func WithHost(host string) Option {
	return func(o *serverOpts) {
		o.host = &host
	}
}

// WithPort overrides the bind port. Zero picks an ephemeral port.
func WithPort(port int) Option {
	return func(o *serverOpts) {
		o.port = &port
	}
}

// WithMaxAccepts stops the accept loop after n deliveries. One gives a
// single-shot listener; zero means unlimited.
func WithMaxAccepts(n int) Option {
	return func(o *serverOpts) {
		o.maxAccepts = &n
	}
}
