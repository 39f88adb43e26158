// Package services contains the listener lifecycle manager: it binds a TCP
// listener, runs an accept loop on a background goroutine and hands every
// accepted connection to a ports.ConnectionHandler.
package services

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/errors"
	"github.com/sufield/ephemport/internal/core/ports"
)

// boundListener is published atomically so Port and Addr never take the lock.
type boundListener struct {
	port int
	addr string
}

// ListenerManager owns at most one bound listener and one accept loop.
//
// Start and Stop are serialized. Stop closes the listener, clears the port
// and then waits for the accept loop to exit. A Start that follows a Stop gets
// a fresh listener and a fresh loop that shares nothing with the old one.
type ListenerManager struct {
	config  ports.ListenerConfig
	handler ports.ConnectionHandler
	listen  ports.ListenFunc
	logger  ports.Logger
	metrics ports.MetricsReporter
	now     func() time.Time

	mu    sync.Mutex
	state domain.LifecycleState
	task  *acceptTask

	bound atomic.Pointer[boundListener]
	last  atomic.Pointer[acceptTask]
}

// ManagerOption configures a ListenerManager.
type ManagerOption func(*ListenerManager)

// WithListenFunc replaces the function used to bind the listener.
func WithListenFunc(fn ports.ListenFunc) ManagerOption {
	return func(m *ListenerManager) {
		if fn != nil {
			m.listen = fn
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger ports.Logger) ManagerOption {
	return func(m *ListenerManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics reporter.
func WithMetrics(metrics ports.MetricsReporter) ManagerOption {
	return func(m *ListenerManager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithClock overrides the clock used to timestamp accepted connections.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *ListenerManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewListenerManager creates a stopped manager.
func NewListenerManager(config ports.ListenerConfig, handler ports.ConnectionHandler, opts ...ManagerOption) (*ListenerManager, error) {
	if handler == nil {
		return nil, fmt.Errorf("connection handler cannot be nil")
	}

	lc := &net.ListenConfig{KeepAlive: config.KeepAlive}
	m := &ListenerManager{
		config:  config,
		handler: handler,
		listen:  lc.Listen,
		logger:  ports.NoOpLogger{},
		metrics: ports.NoOpMetrics{},
		now:     time.Now,
		state:   domain.LifecycleStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithGroup("listener")

	return m, nil
}

// Start binds the listener and spawns the accept loop.
//
// ctx bounds the bind only; the accept loop lives until Stop. Calling Start
// on a running manager returns ErrAlreadyRunning and keeps the current
// listener. A bind failure returns a BIND_FAILED error and leaves the manager
// stopped with Port() == 0.
func (m *ListenerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == domain.LifecycleRunning {
		return errors.NewDomainError(errors.ErrAlreadyRunning,
			fmt.Errorf("bound to %s", m.Addr()))
	}

	addr := m.config.BindAddress()
	ln, err := m.listen(ctx, "tcp", addr)
	if err != nil {
		m.metrics.RecordBindFailure()
		return errors.NewDomainError(errors.ErrBindFailed, fmt.Errorf("listen %s: %w", addr, err))
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || tcpAddr.Port == 0 {
		_ = ln.Close()
		m.metrics.RecordBindFailure()
		return errors.NewDomainError(errors.ErrBindFailed,
			fmt.Errorf("listener on %s has no TCP port", ln.Addr()))
	}

	task := newAcceptTask(ln, tcpAddr.Port, m)
	m.task = task
	m.last.Store(task)
	m.bound.Store(&boundListener{port: tcpAddr.Port, addr: ln.Addr().String()})
	m.state = domain.LifecycleRunning
	m.metrics.ListenerStarted(tcpAddr.Port)

	m.logger.Info(ctx, "listener started",
		ports.Attr("address", ln.Addr().String()),
		ports.Attr("port", tcpAddr.Port))

	go task.run()
	return nil
}

// Stop closes the listener and waits, bounded by ctx, for the accept loop to
// exit. Port() returns 0 as soon as Stop is called. Stopping a manager that
// is not running returns ErrNotRunning. That includes a manager whose accept
// loop failed: the loop releases the listener itself and records the cause in
// Stats().LastError.
func (m *ListenerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.LifecycleRunning {
		m.mu.Unlock()
		return errors.ErrNotRunning
	}
	task := m.task
	bound := m.bound.Swap(nil)
	m.task = nil
	m.state = domain.LifecycleStopped
	m.mu.Unlock()

	closeErr := task.stop()
	m.metrics.ListenerStopped(bound.port)

	if closeErr != nil {
		m.logger.Warn(ctx, "listener close failed",
			ports.Attr("address", bound.addr),
			ports.Attr("error", closeErr.Error()))
		return errors.NewDomainError(errors.ErrCloseFailed, closeErr)
	}

	select {
	case <-task.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for accept loop on %s to exit: %w", bound.addr, ctx.Err())
	}

	m.logger.Info(ctx, "listener stopped",
		ports.Attr("address", bound.addr),
		ports.Attr("accepted", task.accepted.Load()))
	return nil
}

// release is called by an accept loop that gave up. It returns the manager to
// Stopped unless Stop or a newer Start already replaced the task.
func (m *ListenerManager) release(task *acceptTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task != task {
		return
	}
	m.task = nil
	m.bound.Store(nil)
	m.state = domain.LifecycleStopped
	m.metrics.ListenerStopped(task.port)

	m.logger.Warn(task.ctx, "listener released after accept failure",
		ports.Attr("address", task.addr),
		ports.Attr("error", fmt.Sprint(task.Err())))
}

// Port returns the bound port, or 0 when no listener is bound.
func (m *ListenerManager) Port() int {
	if b := m.bound.Load(); b != nil {
		return b.port
	}
	return 0
}

// Addr returns the bound address, or "" when no listener is bound.
func (m *ListenerManager) Addr() string {
	if b := m.bound.Load(); b != nil {
		return b.addr
	}
	return ""
}

// State returns whether the manager is running.
func (m *ListenerManager) State() domain.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AcceptState returns the state of the most recent accept loop.
func (m *ListenerManager) AcceptState() domain.AcceptState {
	if t := m.last.Load(); t != nil {
		return t.State()
	}
	return domain.AcceptIdle
}

// Done returns a channel closed when the most recent accept loop exits.
// Before the first Start it returns an already closed channel.
func (m *ListenerManager) Done() <-chan struct{} {
	if t := m.last.Load(); t != nil {
		return t.done
	}
	return closedChan
}

// Stats returns a snapshot of the manager and its most recent accept loop.
func (m *ListenerManager) Stats() domain.ListenerStats {
	stats := domain.ListenerStats{
		State:       m.State(),
		AcceptState: domain.AcceptIdle,
		Port:        m.Port(),
		Address:     m.Addr(),
	}
	if t := m.last.Load(); t != nil {
		stats.AcceptState = t.State()
		stats.Accepted = t.accepted.Load()
		stats.AcceptErrors = t.acceptErrors.Load()
		stats.Panics = t.panics.Load()
		stats.LastError = t.Err()
	}
	return stats
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
