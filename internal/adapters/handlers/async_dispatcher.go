package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/ports"
)

// AsyncDispatcher moves each connection off the accept goroutine onto its own
// worker so the listener can go straight back to Accept.
//
// At most MaxConcurrent workers run at once. A connection arriving while the
// dispatcher is saturated or closed is rejected: it is closed immediately and
// counted through MetricsReporter.RecordRejected.
type AsyncDispatcher struct {
	next        ports.ConnectionHandler
	idleTimeout time.Duration
	logger      ports.Logger
	metrics     ports.MetricsReporter

	mu     sync.RWMutex
	closed bool
	group  errgroup.Group

	inFlight atomic.Int64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

// DispatcherOption configures an AsyncDispatcher.
type DispatcherOption func(*AsyncDispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger ports.Logger) DispatcherOption {
	return func(d *AsyncDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics reporter.
func WithDispatcherMetrics(metrics ports.MetricsReporter) DispatcherOption {
	return func(d *AsyncDispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// NewAsyncDispatcher wraps next. cfg.MaxConcurrent <= 0 means no limit.
// cfg.IdleTimeout > 0 hands next a socket that times out after that long
// without a Read or Write; cfg.IdleTimeout <= 0 leaves deadlines untouched.
func NewAsyncDispatcher(next ports.ConnectionHandler, cfg ports.HandlerConfig, opts ...DispatcherOption) (*AsyncDispatcher, error) {
	if next == nil {
		return nil, fmt.Errorf("next handler cannot be nil")
	}

	d := &AsyncDispatcher{
		next:        next,
		idleTimeout: cfg.IdleTimeout,
		logger:      ports.NoOpLogger{},
		metrics:     ports.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithGroup("dispatcher")

	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = -1
	}
	d.group.SetLimit(limit)

	return d, nil
}

// HandleConnection implements ports.ConnectionHandler. It never blocks.
func (d *AsyncDispatcher) HandleConnection(ctx context.Context, conn *domain.Connection) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.reject(ctx, conn, "dispatcher closed")
		return
	}

	if d.idleTimeout > 0 {
		ic, err := newIdleConn(conn.Conn(), d.idleTimeout)
		if err != nil {
			d.logger.Warn(ctx, "failed to set connection deadline",
				ports.Attr("connection_id", conn.ID),
				ports.Attr("error", err.Error()))
		} else {
			conn = conn.WithConn(ic)
		}
	}

	d.inFlight.Add(1)
	started := d.group.TryGo(func() error {
		d.run(ctx, conn)
		return nil
	})
	if !started {
		d.inFlight.Add(-1)
		d.reject(ctx, conn, "dispatcher saturated")
	}
}

func (d *AsyncDispatcher) run(ctx context.Context, conn *domain.Connection) {
	defer d.inFlight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.metrics.RecordHandlerPanic()
			d.logger.Error(ctx, "connection worker panicked",
				ports.Attr("connection_id", conn.ID),
				ports.Attr("panic", fmt.Sprint(r)),
				ports.Attr("stack", string(debug.Stack())))
			_ = conn.Close()
		}
	}()

	d.next.HandleConnection(ctx, conn)
}

func (d *AsyncDispatcher) reject(ctx context.Context, conn *domain.Connection, reason string) {
	d.rejected.Add(1)
	d.metrics.RecordRejected()
	d.logger.Warn(ctx, "connection rejected",
		ports.Attr("connection_id", conn.ID),
		ports.Attr("remote_addr", conn.RemoteAddr),
		ports.Attr("reason", reason))
	_ = conn.Close()
}

// InFlight returns the number of running workers.
func (d *AsyncDispatcher) InFlight() int64 { return d.inFlight.Load() }

// Rejected returns the number of connections rejected so far.
func (d *AsyncDispatcher) Rejected() uint64 { return d.rejected.Load() }

// Panics returns the number of recovered worker panics.
func (d *AsyncDispatcher) Panics() uint64 { return d.panics.Load() }

// Close stops accepting new work and waits for running workers, bounded by
// ctx. Workers still running when ctx expires are left to finish on their own.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d connection workers: %w", d.inFlight.Load(), ctx.Err())
	}
}

var _ ports.ConnectionHandler = (*AsyncDispatcher)(nil)
