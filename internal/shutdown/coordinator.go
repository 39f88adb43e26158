// Package shutdown provides internal shutdown coordination and lifecycle management.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sufield/ephemport/internal/core/ports"
)

// Config configures graceful shutdown behavior.
type Config struct {
	// GracePeriod bounds the server phase: listeners get this long to stop
	// and drain their accept loops.
	GracePeriod time.Duration

	// ForceTimeout bounds the whole shutdown.
	ForceTimeout time.Duration

	// OnShutdownStart is called when shutdown begins.
	OnShutdownStart func()

	// OnShutdownComplete is called when shutdown completes.
	OnShutdownComplete func(err error)
}

// ConfigFrom builds a Config from the shutdown section of the process configuration.
func ConfigFrom(cfg ports.ShutdownConfig) *Config {
	return &Config{
		GracePeriod:  cfg.GracePeriod,
		ForceTimeout: cfg.ForceTimeout,
	}
}

// DefaultConfig returns sensible shutdown defaults.
func DefaultConfig() *Config {
	return &Config{
		GracePeriod:  ports.DefaultGracePeriod,
		ForceTimeout: ports.DefaultForceTimeout,
	}
}

// Server is stopped in phase 1, e.g. a listener manager.
type Server interface {
	Stop(ctx context.Context) error
}

// Closer is closed in phase 2 (listeners) or phase 3 (clients).
type Closer interface {
	Close(ctx context.Context) error
}

// ServerFunc adapts a function to Server.
type ServerFunc func(ctx context.Context) error

// Stop calls f(ctx).
func (f ServerFunc) Stop(ctx context.Context) error { return f(ctx) }

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close calls f(ctx).
func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

// Coordinator coordinates shutdown of all process resources.
type Coordinator struct {
	config       *Config
	logger       *slog.Logger
	servers      []Server
	listeners    []Closer
	clients      []Closer
	cleanupFuncs []func() error

	mu             sync.Mutex
	shutdownOnce   sync.Once
	isShuttingDown bool
	result         error
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config *Config, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = ports.DefaultGracePeriod
	}
	if config.ForceTimeout < config.GracePeriod {
		config.ForceTimeout = config.GracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config: config,
		logger: logger.With("component", "shutdown"),
	}
}

// RegisterServer registers a server stopped in phase 1.
func (c *Coordinator) RegisterServer(server Server) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if server != nil && !c.isShuttingDown {
		c.servers = append(c.servers, server)
	}
}

// RegisterListener registers a listener closed in phase 2.
func (c *Coordinator) RegisterListener(listener Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if listener != nil && !c.isShuttingDown {
		c.listeners = append(c.listeners, listener)
	}
}

// RegisterClient registers a client closed in phase 3.
func (c *Coordinator) RegisterClient(client Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client != nil && !c.isShuttingDown {
		c.clients = append(c.clients, client)
	}
}

// RegisterCleanupFunc registers a cleanup function to run during phase 4.
func (c *Coordinator) RegisterCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fn != nil && !c.isShuttingDown {
		c.cleanupFuncs = append(c.cleanupFuncs, fn)
	}
}

// Shutdown runs the four phases once. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.isShuttingDown = true
		c.mu.Unlock()

		if c.config.OnShutdownStart != nil {
			c.config.OnShutdownStart()
		}

		forceCtx, forceCancel := context.WithTimeout(ctx, c.config.ForceTimeout)
		defer forceCancel()
		graceCtx, graceCancel := context.WithTimeout(forceCtx, c.config.GracePeriod)
		defer graceCancel()

		c.logger.Info("Starting graceful shutdown",
			"grace_period", c.config.GracePeriod,
			"force_timeout", c.config.ForceTimeout)

		var (
			errMu sync.Mutex
			errs  []error
		)
		addError := func(err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}

		c.logger.Info("Phase 1: Stopping servers")
		c.runParallel(graceCtx, len(c.servers), func(ctx context.Context, i int) error {
			if err := c.servers[i].Stop(ctx); err != nil {
				return fmt.Errorf("server stop error: %w", err)
			}
			return nil
		}, addError)

		c.logger.Info("Phase 2: Closing listeners")
		c.runParallel(forceCtx, len(c.listeners), func(ctx context.Context, i int) error {
			if err := c.listeners[i].Close(ctx); err != nil {
				return fmt.Errorf("listener close error: %w", err)
			}
			return nil
		}, addError)

		c.logger.Info("Phase 3: Closing clients")
		c.runParallel(forceCtx, len(c.clients), func(ctx context.Context, i int) error {
			if err := c.clients[i].Close(ctx); err != nil {
				return fmt.Errorf("client close error: %w", err)
			}
			return nil
		}, addError)

		c.logger.Info("Phase 4: Running cleanup functions")
		for _, fn := range c.cleanupFuncs {
			if err := fn(); err != nil {
				addError(fmt.Errorf("cleanup function error: %w", err))
			}
		}

		if len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("Shutdown error", "error", err)
			}
			c.result = errors.Join(errs...)
		} else {
			c.logger.Info("Graceful shutdown completed successfully")
		}

		if c.config.OnShutdownComplete != nil {
			c.config.OnShutdownComplete(c.result)
		}
	})

	return c.result
}

// runParallel calls fn for every index and waits until all return or ctx expires.
func (c *Coordinator) runParallel(ctx context.Context, n int, fn func(context.Context, int) error, addError func(error)) {
	if n == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := fn(ctx, i); err != nil {
				addError(err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Shutdown phase timed out", "error", ctx.Err())
		addError(fmt.Errorf("shutdown phase timed out: %w", ctx.Err()))
	}
}
