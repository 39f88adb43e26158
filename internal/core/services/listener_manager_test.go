package services

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/errors"
	"github.com/sufield/ephemport/internal/core/ports"
)

const waitFor = 2 * time.Second

func loopbackConfig() ports.ListenerConfig {
	return ports.ListenerConfig{
		Host:             "127.0.0.1",
		AcceptRetries:    3,
		AcceptBackoffMax: time.Millisecond,
	}
}

// recordingHandler collects delivered connections and closes them.
type recordingHandler struct {
	conns chan *domain.Connection
	calls atomic.Int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{conns: make(chan *domain.Connection, 16)}
}

func (h *recordingHandler) HandleConnection(_ context.Context, conn *domain.Connection) {
	h.calls.Add(1)
	h.conns <- conn
}

func (h *recordingHandler) next(t *testing.T) *domain.Connection {
	t.Helper()
	select {
	case c := <-h.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection delivered")
		return nil
	}
}

// MockMetrics for testing
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) ListenerStarted(port int)      { m.Called(port) }
func (m *MockMetrics) ListenerStopped(port int)      { m.Called(port) }
func (m *MockMetrics) RecordBindFailure()            { m.Called() }
func (m *MockMetrics) RecordAccepted()               { m.Called() }
func (m *MockMetrics) RecordAcceptError(kind string) { m.Called(kind) }
func (m *MockMetrics) RecordHandlerPanic()           { m.Called() }
func (m *MockMetrics) RecordRejected()               { m.Called() }
func (m *MockMetrics) HandoffStarted()               { m.Called() }
func (m *MockMetrics) HandoffFinished()              { m.Called() }

type logEntry struct {
	level   string
	message string
	attrs   map[string]interface{}
}

// capturingLogger records every entry. Groups and bound attributes are dropped.
type capturingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *capturingLogger) record(level, msg string, attrs []ports.LogAttribute) {
	e := logEntry{level: level, message: msg, attrs: make(map[string]interface{}, len(attrs))}
	for _, a := range attrs {
		e.attrs[a.Key] = a.Value
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *capturingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.message == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *capturingLogger) Debug(_ context.Context, msg string, attrs ...ports.LogAttribute) {
	l.record("debug", msg, attrs)
}

func (l *capturingLogger) Info(_ context.Context, msg string, attrs ...ports.LogAttribute) {
	l.record("info", msg, attrs)
}

func (l *capturingLogger) Warn(_ context.Context, msg string, attrs ...ports.LogAttribute) {
	l.record("warn", msg, attrs)
}

func (l *capturingLogger) Error(_ context.Context, msg string, attrs ...ports.LogAttribute) {
	l.record("error", msg, attrs)
}

func (l *capturingLogger) WithAttrs(...ports.LogAttribute) ports.Logger { return l }
func (l *capturingLogger) WithGroup(string) ports.Logger                { return l }

type acceptResult struct {
	conn net.Conn
	err  error
}

// fakeListener replays queued accept results and then blocks until closed.
type fakeListener struct {
	results  chan acceptResult
	closed   chan struct{}
	once     sync.Once
	closeErr error
	addr     net.Addr
}

func newFakeListener(results ...acceptResult) *fakeListener {
	ch := make(chan acceptResult, len(results))
	for _, r := range results {
		ch <- r
	}
	return &fakeListener{
		results: ch,
		closed:  make(chan struct{}),
		addr:    &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41000},
	}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case r := <-l.results:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.closeErr
}

func (l *fakeListener) Addr() net.Addr { return l.addr }

func listenWith(ln net.Listener) ports.ListenFunc {
	return func(context.Context, string, string) (net.Listener, error) {
		return ln, nil
	}
}

func newManager(t *testing.T, cfg ports.ListenerConfig, h ports.ConnectionHandler, opts ...ManagerOption) *ListenerManager {
	t.Helper()
	m, err := NewListenerManager(cfg, h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func dial(t *testing.T, m *ListenerManager) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", m.Addr(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitDone(t *testing.T, m *ListenerManager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("accept loop did not exit")
	}
}

func TestNewListenerManager(t *testing.T) {
	tests := []struct {
		name    string
		handler ports.ConnectionHandler
		wantErr bool
	}{
		{name: "valid handler", handler: newRecordingHandler()},
		{name: "nil handler", handler: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewListenerManager(loopbackConfig(), tt.handler)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.LifecycleStopped, m.State())
			assert.Equal(t, domain.AcceptIdle, m.AcceptState())
			assert.Equal(t, 0, m.Port())
			assert.Empty(t, m.Addr())
		})
	}
}

func TestListenerManager_PortLifecycle(t *testing.T) {
	m := newManager(t, loopbackConfig(), newRecordingHandler())
	assert.Equal(t, 0, m.Port())

	require.NoError(t, m.Start(context.Background()))
	port := m.Port()
	assert.Greater(t, port, 0)
	assert.LessOrEqual(t, port, 65535)
	for i := 0; i < 10; i++ {
		assert.Equal(t, port, m.Port())
	}
	assert.Equal(t, domain.LifecycleRunning, m.State())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 0, m.Port())
	assert.Empty(t, m.Addr())
	assert.Equal(t, domain.LifecycleStopped, m.State())
	assert.Equal(t, domain.AcceptClosed, m.AcceptState())
}

func TestListenerManager_DeliversConnection(t *testing.T) {
	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h)
	require.NoError(t, m.Start(context.Background()))

	client := dial(t, m)
	conn := h.next(t)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, client.LocalAddr().String(), conn.RemoteAddr)
	assert.Equal(t, m.Addr(), conn.LocalAddr)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.Conn().SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Conn().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestListenerManager_DeliversEveryConnection(t *testing.T) {
	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h)
	require.NoError(t, m.Start(context.Background()))

	const n = 5
	ids := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		dial(t, m)
		ids[h.next(t).ID] = struct{}{}
	}

	assert.Len(t, ids, n)
	assert.Equal(t, int32(n), h.calls.Load())
	assert.Equal(t, uint64(n), m.Stats().Accepted)
}

func TestListenerManager_SingleShot(t *testing.T) {
	cfg := loopbackConfig()
	cfg.MaxAccepts = 1

	h := newRecordingHandler()
	m := newManager(t, cfg, h)
	require.NoError(t, m.Start(context.Background()))
	port := m.Port()

	dial(t, m)
	h.next(t)
	waitDone(t, m)

	assert.Equal(t, domain.AcceptDelivered, m.AcceptState())
	assert.Equal(t, domain.LifecycleRunning, m.State())
	assert.Equal(t, port, m.Port(), "listener stays bound until Stop")
	assert.Equal(t, int32(1), h.calls.Load())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 0, m.Port())
}

func TestListenerManager_StopWhileBlocked(t *testing.T) {
	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return m.AcceptState() == domain.AcceptAccepting
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	waitDone(t, m)

	assert.Equal(t, domain.AcceptClosed, m.AcceptState())
	assert.NoError(t, m.Stats().LastError)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestListenerManager_StartTwice(t *testing.T) {
	m := newManager(t, loopbackConfig(), newRecordingHandler())
	require.NoError(t, m.Start(context.Background()))
	port := m.Port()

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	assert.Equal(t, port, m.Port())
	assert.Equal(t, domain.LifecycleRunning, m.State())
}

func TestListenerManager_StopNotRunning(t *testing.T) {
	m := newManager(t, loopbackConfig(), newRecordingHandler())

	assert.ErrorIs(t, m.Stop(context.Background()), errors.ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.ErrorIs(t, m.Stop(context.Background()), errors.ErrNotRunning)
}

func TestListenerManager_Restart(t *testing.T) {
	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Start(context.Background()))
		assert.Greater(t, m.Port(), 0)

		dial(t, m)
		h.next(t)

		require.NoError(t, m.Stop(context.Background()))
		assert.Equal(t, 0, m.Port())
	}
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestListenerManager_BindFailure(t *testing.T) {
	t.Run("port in use", func(t *testing.T) {
		occupied, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer occupied.Close()

		cfg := loopbackConfig()
		cfg.Port = occupied.Addr().(*net.TCPAddr).Port

		m := newManager(t, cfg, newRecordingHandler())
		err = m.Start(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrBindFailed)
		assert.Equal(t, 0, m.Port())
		assert.Equal(t, domain.LifecycleStopped, m.State())
	})

	t.Run("listen func error", func(t *testing.T) {
		metrics := &MockMetrics{}
		metrics.On("RecordBindFailure").Once()

		listenErr := stderrors.New("permission denied")
		m := newManager(t, loopbackConfig(), newRecordingHandler(),
			WithMetrics(metrics),
			WithListenFunc(func(context.Context, string, string) (net.Listener, error) {
				return nil, listenErr
			}))

		err := m.Start(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrBindFailed)
		assert.ErrorIs(t, err, listenErr)
		assert.Equal(t, 0, m.Port())
		metrics.AssertExpectations(t)
	})

	t.Run("can start after failure", func(t *testing.T) {
		fail := true
		lc := &net.ListenConfig{}
		m := newManager(t, loopbackConfig(), newRecordingHandler(),
			WithListenFunc(func(ctx context.Context, network, address string) (net.Listener, error) {
				if fail {
					fail = false
					return nil, stderrors.New("address unavailable")
				}
				return lc.Listen(ctx, network, address)
			}))

		require.ErrorIs(t, m.Start(context.Background()), errors.ErrBindFailed)
		require.NoError(t, m.Start(context.Background()))
		assert.Greater(t, m.Port(), 0)
	})
}

func TestListenerManager_TransientAcceptErrors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	transient := stderrors.New("too many open files")
	ln := newFakeListener(
		acceptResult{err: transient},
		acceptResult{err: transient},
		acceptResult{conn: server},
	)

	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h, WithListenFunc(listenWith(ln)))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 41000, m.Port())

	h.next(t)
	require.Eventually(t, func() bool {
		return m.AcceptState() == domain.AcceptAccepting
	}, waitFor, time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.AcceptErrors)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.NoError(t, stats.LastError)
}

func TestListenerManager_AcceptFailure(t *testing.T) {
	cfg := loopbackConfig()
	cfg.AcceptRetries = 2

	broken := stderrors.New("accept: resource temporarily unavailable")
	ln := newFakeListener(
		acceptResult{err: broken},
		acceptResult{err: broken},
		acceptResult{err: broken},
	)

	h := newRecordingHandler()
	m := newManager(t, cfg, h, WithListenFunc(listenWith(ln)))
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	stats := m.Stats()
	assert.Equal(t, domain.AcceptFailed, stats.AcceptState)
	assert.Equal(t, uint64(3), stats.AcceptErrors)
	assert.ErrorIs(t, stats.LastError, errors.ErrAcceptFailed)
	assert.ErrorIs(t, stats.LastError, broken)
	assert.Equal(t, int32(0), h.calls.Load())

	// The failed loop closes its listener and gives the port back.
	assert.Equal(t, 0, m.Port())
	assert.Equal(t, "", m.Addr())
	assert.Equal(t, domain.LifecycleStopped, stats.State)
	select {
	case <-ln.closed:
	default:
		t.Fatal("listener left open after accept failure")
	}
	assert.ErrorIs(t, m.Stop(context.Background()), errors.ErrNotRunning)
}

func TestListenerManager_RestartAfterAcceptFailure(t *testing.T) {
	cfg := loopbackConfig()
	cfg.AcceptRetries = 0

	broken := newFakeListener(acceptResult{err: stderrors.New("accept: connection aborted")})
	healthy := newFakeListener()
	listeners := []net.Listener{broken, healthy}
	var binds atomic.Int32
	listen := func(context.Context, string, string) (net.Listener, error) {
		return listeners[binds.Add(1)-1], nil
	}

	m := newManager(t, cfg, newRecordingHandler(), WithListenFunc(listen))
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)
	assert.Equal(t, domain.AcceptFailed, m.AcceptState())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 41000, m.Port())
	require.Eventually(t, func() bool {
		return m.AcceptState() == domain.AcceptAccepting
	}, waitFor, time.Millisecond)
	assert.NoError(t, m.Stats().LastError)

	require.NoError(t, m.Stop(context.Background()))
	waitDone(t, m)
	assert.Equal(t, domain.AcceptClosed, m.AcceptState())
}

func TestAcceptTask_RejectsIllegalTransitions(t *testing.T) {
	logger := &capturingLogger{}
	m := newManager(t, loopbackConfig(), newRecordingHandler(), WithLogger(logger))
	task := newAcceptTask(newFakeListener(), 41000, m)
	t.Cleanup(task.cancel)

	tests := []struct {
		next domain.AcceptState
		want domain.AcceptState
	}{
		{domain.AcceptDelivered, domain.AcceptIdle},
		{domain.AcceptAccepting, domain.AcceptAccepting},
		{domain.AcceptIdle, domain.AcceptAccepting},
		{domain.AcceptDelivered, domain.AcceptDelivered},
		{domain.AcceptClosed, domain.AcceptDelivered},
		{domain.AcceptAccepting, domain.AcceptAccepting},
		{domain.AcceptClosed, domain.AcceptClosed},
		{domain.AcceptAccepting, domain.AcceptClosed},
		{domain.AcceptFailed, domain.AcceptClosed},
	}

	for _, tt := range tests {
		task.setState(tt.next)
		assert.Equal(t, tt.want, task.State(), "after setState(%s)", tt.next)
	}

	entry, ok := logger.find("illegal accept state transition")
	require.True(t, ok)
	assert.Equal(t, "idle", entry.attrs["from"])
	assert.Equal(t, "delivered", entry.attrs["to"])
}

func TestListenerManager_CloseFailure(t *testing.T) {
	ln := newFakeListener()
	ln.closeErr = stderrors.New("close: bad file descriptor")

	m := newManager(t, loopbackConfig(), newRecordingHandler(), WithListenFunc(listenWith(ln)))
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCloseFailed)
	assert.Equal(t, 0, m.Port())
	assert.Equal(t, domain.LifecycleStopped, m.State())
	waitDone(t, m)
}

func TestListenerManager_HandlerPanic(t *testing.T) {
	var calls atomic.Int32
	delivered := make(chan string, 2)
	handler := ports.ConnectionHandlerFunc(func(_ context.Context, conn *domain.Connection) {
		if calls.Add(1) == 1 {
			panic("handler exploded")
		}
		delivered <- conn.ID
		_ = conn.Close()
	})

	logger := &capturingLogger{}
	m := newManager(t, loopbackConfig(), handler, WithLogger(logger))
	require.NoError(t, m.Start(context.Background()))

	first := dial(t, m)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := first.Read(make([]byte, 1))
	assert.Error(t, err, "panicking handler's connection is closed")

	dial(t, m)
	select {
	case id := <-delivered:
		assert.NotEmpty(t, id)
	case <-time.After(waitFor):
		t.Fatal("accept loop did not survive handler panic")
	}

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, domain.LifecycleRunning, stats.State)

	entry, ok := logger.find("connection handler panicked")
	require.True(t, ok)
	assert.Equal(t, "error", entry.level)
	assert.Equal(t, "handler exploded", entry.attrs["panic"])
	assert.Contains(t, entry.attrs["stack"], "goroutine")
}

func TestListenerManager_HandlerContextCancelledOnStop(t *testing.T) {
	entered := make(chan struct{})
	handler := ports.ConnectionHandlerFunc(func(ctx context.Context, conn *domain.Connection) {
		defer conn.Close()
		close(entered)
		<-ctx.Done()
	})

	m := newManager(t, loopbackConfig(), handler)
	require.NoError(t, m.Start(context.Background()))
	dial(t, m)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, domain.AcceptClosed, m.AcceptState())
}

func TestListenerManager_StopDeadline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := ports.ConnectionHandlerFunc(func(_ context.Context, conn *domain.Connection) {
		defer conn.Close()
		close(entered)
		<-release
	})

	m := newManager(t, loopbackConfig(), handler)
	require.NoError(t, m.Start(context.Background()))
	dial(t, m)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Port())

	close(release)
	waitDone(t, m)
	assert.Equal(t, domain.AcceptClosed, m.AcceptState())
}

func TestListenerManager_ReportsMetrics(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ln := newFakeListener(acceptResult{conn: server})

	metrics := &MockMetrics{}
	metrics.On("ListenerStarted", 41000).Once()
	metrics.On("RecordAccepted").Once()
	metrics.On("HandoffStarted").Once()
	metrics.On("HandoffFinished").Once()
	metrics.On("ListenerStopped", 41000).Once()
	metrics.On("RecordAcceptError", ports.AcceptErrorExpectedClose).Once()

	h := newRecordingHandler()
	m, err := NewListenerManager(loopbackConfig(), h,
		WithMetrics(metrics),
		WithListenFunc(listenWith(ln)))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	h.next(t)
	require.NoError(t, m.Stop(context.Background()))

	metrics.AssertExpectations(t)
}

func TestListenerManager_UsesClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newRecordingHandler()
	m := newManager(t, loopbackConfig(), h, WithClock(func() time.Time { return fixed }))
	require.NoError(t, m.Start(context.Background()))

	dial(t, m)
	assert.Equal(t, fixed, h.next(t).AcceptedAt)
}

func TestListenerManager_ConcurrentPortReads(t *testing.T) {
	m := newManager(t, loopbackConfig(), newRecordingHandler())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p := m.Port()
				if p < 0 || p > 65535 {
					t.Errorf("port out of range: %d", p)
					return
				}
				_ = m.Stats()
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Stop(context.Background()))
	}
	close(stop)
	wg.Wait()
}

func TestListenerManager_DoneBeforeStart(t *testing.T) {
	m := newManager(t, loopbackConfig(), newRecordingHandler())
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed before the first Start")
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		prev, ceiling, want time.Duration
	}{
		{0, time.Second, minAcceptBackoff},
		{minAcceptBackoff, time.Second, 2 * minAcceptBackoff},
		{800 * time.Millisecond, time.Second, time.Second},
		{0, time.Millisecond, time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.prev, tt.ceiling))
	}
}
