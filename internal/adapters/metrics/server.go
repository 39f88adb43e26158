package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sufield/ephemport/internal/core/ports"
)

// PortFunc reports the currently bound listener port, 0 when unbound.
type PortFunc func() int

// Server exposes Prometheus metrics and a readiness probe over HTTP.
//
// GET <path> serves the gatherer's metrics. GET /healthz answers 200 with the
// bound port while the listener is up and 503 otherwise.
type Server struct {
	cfg    ports.MetricsConfig
	logger *slog.Logger

	httpServer *http.Server
	mu         sync.Mutex
	ln         net.Listener
	done       chan struct{}
	serveErr   error
}

// NewServer builds a metrics server for gatherer. port may be nil, in which
// case /healthz always answers 200.
func NewServer(cfg ports.MetricsConfig, gatherer prometheus.Gatherer, port PortFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	path := cfg.Path
	if path == "" {
		path = ports.DefaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if port == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
			return
		}
		p := port()
		if p == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("listener not bound\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strconv.Itoa(p) + "\n"))
	})

	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "metrics-server"),
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("metrics server already started on %s", s.ln.Addr())
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to bind metrics server on %s: %w", s.cfg.Address, err)
	}
	s.ln = ln
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
			s.logger.Error("Metrics server stopped unexpectedly", "error", err)
		}
	}(s.done)

	s.logger.Info("Metrics server listening", "address", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close gracefully shuts the server down, bounded by ctx.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	started := s.ln != nil
	done := s.done
	s.mu.Unlock()

	if !started {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}
