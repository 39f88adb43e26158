package ephemport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sufield/ephemport/internal/adapters/handlers"
	"github.com/sufield/ephemport/internal/adapters/logging"
	"github.com/sufield/ephemport/internal/adapters/metrics"
	"github.com/sufield/ephemport/internal/core/ports"
	"github.com/sufield/ephemport/internal/core/services"
)

// Server owns one listener. It can be started and stopped repeatedly until
// Close is called.
type Server struct {
	manager    *services.ListenerManager
	dispatcher *handlers.AsyncDispatcher

	mu     sync.Mutex
	closed bool
}

// New builds a stopped server.
func New(opts ...Option) (*Server, error) {
	o := &serverOpts{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := DefaultConfiguration()
	if o.config != nil {
		copied := *o.config
		cfg = &copied
	}
	if o.host != nil {
		cfg.Listener.Host = *o.host
	}
	if o.port != nil {
		cfg.Listener.Port = *o.port
	}
	if o.maxAccepts != nil {
		cfg.Listener.MaxAccepts = *o.maxAccepts
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slogger := o.logger
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	coreLogger := logging.NewSlogLogger(slogger)

	var reporter ports.MetricsReporter = ports.NoOpMetrics{}
	if o.registerer != nil {
		reporter = metrics.NewPrometheusMetrics(o.registerer)
	}

	handler := o.handler
	if handler == nil {
		handler = handlers.NewLoggingHandler(slogger)
	}

	s := &Server{}
	if cfg.Handler.Mode == ports.HandlerModeAsync {
		d, err := handlers.NewAsyncDispatcher(handler, cfg.Handler,
			handlers.WithDispatcherLogger(coreLogger),
			handlers.WithDispatcherMetrics(reporter))
		if err != nil {
			return nil, err
		}
		s.dispatcher = d
		handler = d
	}

	manager, err := services.NewListenerManager(cfg.Listener, handler,
		services.WithLogger(coreLogger),
		services.WithMetrics(reporter))
	if err != nil {
		return nil, err
	}
	s.manager = manager

	return s, nil
}

// Start binds the listener and starts accepting. It returns ErrAlreadyRunning
// if already started and ErrBindFailed if the port cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	return s.manager.Start(ctx)
}

// Stop closes the listener and waits for the accept loop to exit. The context
// passed to handlers is cancelled, so handlers that watch it return. Stop does
// not wait for async handlers; use Close for that.
func (s *Server) Stop(ctx context.Context) error {
	return s.manager.Stop(ctx)
}

// Close stops the listener if it is running and waits, bounded by ctx, for
// in-flight handlers. The server cannot be restarted afterwards.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.manager.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining handlers: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() int { return s.manager.Port() }

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string { return s.manager.Addr() }

// Done is closed when the current accept loop exits.
func (s *Server) Done() <-chan struct{} { return s.manager.Done() }

// Stats returns a snapshot of the listener.
func (s *Server) Stats() Stats { return s.manager.Stats() }
