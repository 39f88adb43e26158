package services

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/errors"
	"github.com/sufield/ephemport/internal/core/ports"
)

const minAcceptBackoff = 5 * time.Millisecond

// acceptTask runs the accept loop for exactly one listener. The listener is
// handed over at construction and never replaced.
type acceptTask struct {
	ln         net.Listener
	port       int
	addr       string
	release    func(*acceptTask)
	handler    ports.ConnectionHandler
	logger     ports.Logger
	metrics    ports.MetricsReporter
	now        func() time.Time
	maxAccepts uint64
	retries    int
	backoffMax time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error

	state        atomic.Int32
	accepted     atomic.Uint64
	acceptErrors atomic.Uint64
	panics       atomic.Uint64

	errMu   sync.Mutex
	lastErr error
}

func newAcceptTask(ln net.Listener, port int, m *ListenerManager) *acceptTask {
	ctx, cancel := context.WithCancel(context.Background())

	backoffMax := m.config.AcceptBackoffMax
	if backoffMax <= 0 {
		backoffMax = ports.DefaultAcceptBackoffMax
	}

	return &acceptTask{
		ln:         ln,
		port:       port,
		addr:       ln.Addr().String(),
		release:    m.release,
		handler:    m.handler,
		logger:     m.logger.WithAttrs(ports.Attr("port", port)),
		metrics:    m.metrics,
		now:        m.now,
		maxAccepts: uint64(m.config.MaxAccepts),
		retries:    m.config.AcceptRetries,
		backoffMax: backoffMax,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (t *acceptTask) run() {
	defer close(t.done)

	t.setState(domain.AcceptAccepting)
	t.logger.Debug(t.ctx, "accept loop started")

	var delay time.Duration
	failures := 0

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.closing.Load() || errors.IsListenerClosed(err) {
				t.metrics.RecordAcceptError(ports.AcceptErrorExpectedClose)
				t.logger.Debug(t.ctx, "accept loop stopped: listener closed")
				t.setState(domain.AcceptClosed)
				return
			}

			failures++
			t.acceptErrors.Add(1)
			if failures > t.retries {
				t.metrics.RecordAcceptError(ports.AcceptErrorFatal)
				t.setErr(errors.NewDomainError(errors.ErrAcceptFailed, err))
				t.logger.Error(t.ctx, "accept loop giving up",
					ports.Attr("error", err.Error()),
					ports.Attr("consecutive_failures", failures))
				t.setState(domain.AcceptFailed)
				t.abandon()
				return
			}

			t.metrics.RecordAcceptError(ports.AcceptErrorTransient)
			delay = nextBackoff(delay, t.backoffMax)
			t.logger.Warn(t.ctx, "accept error, retrying",
				ports.Attr("error", err.Error()),
				ports.Attr("attempt", failures),
				ports.Attr("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				timer.Stop()
				t.setState(domain.AcceptClosed)
				return
			}
			continue
		}

		failures, delay = 0, 0
		t.deliver(conn)

		if t.maxAccepts > 0 && t.accepted.Load() >= t.maxAccepts {
			t.logger.Debug(t.ctx, "accept limit reached", ports.Attr("max_accepts", t.maxAccepts))
			return
		}
		t.setState(domain.AcceptAccepting)
	}
}

// deliver hands one connection to the handler on this goroutine.
func (t *acceptTask) deliver(nc net.Conn) {
	conn, err := domain.NewConnection(nc, t.now())
	if err != nil {
		_ = nc.Close()
		return
	}

	n := t.accepted.Add(1)
	t.metrics.RecordAccepted()
	t.setState(domain.AcceptDelivered)
	t.logger.Debug(t.ctx, "connection accepted",
		ports.Attr("connection_id", conn.ID),
		ports.Attr("remote_addr", conn.RemoteAddr),
		ports.Attr("accepted", n))

	t.metrics.HandoffStarted()
	defer t.metrics.HandoffFinished()
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			t.metrics.RecordHandlerPanic()
			t.logger.Error(t.ctx, "connection handler panicked",
				ports.Attr("connection_id", conn.ID),
				ports.Attr("panic", fmt.Sprint(r)),
				ports.Attr("stack", string(debug.Stack())))
			_ = conn.Close()
		}
	}()

	t.handler.HandleConnection(t.ctx, conn)
}

// stop marks the closure as intentional, cancels handler contexts and closes
// the listener, which unblocks a pending Accept.
func (t *acceptTask) stop() error {
	t.closing.Store(true)
	t.cancel()
	return t.closeListener()
}

// abandon closes the listener after the loop gave up and hands the port back
// to the manager, so a failed task never leaves a bound port behind.
func (t *acceptTask) abandon() {
	if err := t.stop(); err != nil {
		t.logger.Warn(t.ctx, "listener close failed",
			ports.Attr("address", t.addr),
			ports.Attr("error", err.Error()))
	}
	if t.release != nil {
		t.release(t)
	}
}

func (t *acceptTask) closeListener() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.ln.Close()
	})
	return t.closeErr
}

// setState moves the task along the accept state machine. Only the run
// goroutine calls it. Illegal transitions are logged and ignored.
func (t *acceptTask) setState(next domain.AcceptState) {
	prev := t.State()
	if !prev.CanTransitionTo(next) {
		t.logger.Error(t.ctx, "illegal accept state transition",
			ports.Attr("from", prev.String()),
			ports.Attr("to", next.String()))
		return
	}
	t.state.Store(int32(next))
}

func (t *acceptTask) State() domain.AcceptState {
	return domain.AcceptState(t.state.Load())
}

func (t *acceptTask) setErr(err error) {
	t.errMu.Lock()
	t.lastErr = err
	t.errMu.Unlock()
}

func (t *acceptTask) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastErr
}

func nextBackoff(prev, ceiling time.Duration) time.Duration {
	next := prev * 2
	if prev == 0 {
		next = minAcceptBackoff
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}
