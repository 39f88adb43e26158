package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/sufield/ephemport/internal/adapters/handlers"
	"github.com/sufield/ephemport/internal/adapters/logging"
	"github.com/sufield/ephemport/internal/adapters/metrics"
	coreerrors "github.com/sufield/ephemport/internal/core/errors"
	"github.com/sufield/ephemport/internal/core/ports"
	"github.com/sufield/ephemport/internal/core/services"
	"github.com/sufield/ephemport/internal/shutdown"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
	maxAccepts int
	portFile   string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a listener until interrupted",
		Long: `Bind a TCP listener (an ephemeral port unless --port is given), print the
assigned port and hand every accepted connection to the configured handler.
The listener runs until SIGINT or SIGTERM, or until --max-accepts
connections have been delivered.`,
		Example: `  ephemport serve --host 127.0.0.1 --port-file /tmp/ephemport.port
  ephemport serve --max-accepts 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&opts.host, "host", "", "Bind host, overrides listener.host")
	flags.IntVarP(&opts.port, "port", "p", 0, "Bind port, overrides listener.port (0 picks an ephemeral port)")
	flags.IntVar(&opts.maxAccepts, "max-accepts", 0, "Stop accepting after this many connections, overrides listener.max_accepts")
	flags.StringVar(&opts.portFile, "port-file", "", "Write the bound port to this file and remove it on exit")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfiguration(cmd.Context(), opts.configPath)
	if err != nil {
		return err
	}
	if err := applyServeOverrides(cmd, opts, cfg); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServeStack(cfg, logger)
	if err != nil {
		return err
	}

	if err := srv.start(ctx); err != nil {
		_ = srv.coordinator.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	port := srv.manager.Port()
	fmt.Fprintf(cmd.OutOrStdout(), "listening on port %d\n", port)

	if opts.portFile != "" {
		if err := os.WriteFile(opts.portFile, []byte(strconv.Itoa(port)+"\n"), 0o600); err != nil {
			_ = srv.coordinator.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("%w: failed to write port file: %v", ErrRuntime, err)
		}
		srv.coordinator.RegisterCleanupFunc(func() error {
			if err := os.Remove(opts.portFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-srv.manager.Done():
		logger.Info("Accept loop finished", "state", srv.manager.AcceptState().String())
	}

	stats := srv.manager.Stats()
	shutdownErr := srv.coordinator.Shutdown(context.WithoutCancel(ctx))

	fmt.Fprintf(cmd.OutOrStdout(), "accepted %d connections\n", stats.Accepted)

	if stats.LastError != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, stats.LastError)
	}
	if shutdownErr != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, shutdownErr)
	}
	return nil
}

func applyServeOverrides(cmd *cobra.Command, opts *serveOptions, cfg *ports.Configuration) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Listener.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Listener.Port = opts.port
	}
	if flags.Changed("max-accepts") {
		cfg.Listener.MaxAccepts = opts.maxAccepts
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return nil
}

// serveStack is the wired set of components behind "ephemport serve".
type serveStack struct {
	manager       *services.ListenerManager
	metricsServer *metrics.Server
	coordinator   *shutdown.Coordinator
}

func newServeStack(cfg *ports.Configuration, logger *slog.Logger) (*serveStack, error) {
	coreLogger := logging.NewSlogLogger(logger)

	var (
		reporter ports.MetricsReporter = ports.NoOpMetrics{}
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reporter = metrics.NewPrometheusMetrics(registry)
	}

	var handler ports.ConnectionHandler = handlers.NewLoggingHandler(logger)
	var dispatcher *handlers.AsyncDispatcher
	if cfg.Handler.Mode == ports.HandlerModeAsync {
		d, err := handlers.NewAsyncDispatcher(handler, cfg.Handler,
			handlers.WithDispatcherLogger(coreLogger),
			handlers.WithDispatcherMetrics(reporter))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		dispatcher = d
		handler = d
	}

	manager, err := services.NewListenerManager(cfg.Listener, handler,
		services.WithLogger(coreLogger),
		services.WithMetrics(reporter))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	stack := &serveStack{
		manager:     manager,
		coordinator: shutdown.NewCoordinator(shutdown.ConfigFrom(cfg.Shutdown), logger),
	}

	stack.coordinator.RegisterServer(shutdown.ServerFunc(func(ctx context.Context) error {
		if err := manager.Stop(ctx); err != nil && !errors.Is(err, coreerrors.ErrNotRunning) {
			return err
		}
		return nil
	}))
	if registry != nil {
		stack.metricsServer = metrics.NewServer(cfg.Metrics, registry, manager.Port, logger)
		stack.coordinator.RegisterListener(stack.metricsServer)
	}
	if dispatcher != nil {
		stack.coordinator.RegisterClient(dispatcher)
	}

	return stack, nil
}

func (s *serveStack) start(ctx context.Context) error {
	if s.metricsServer != nil {
		if err := s.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrRuntime, err)
		}
	}
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	return nil
}
