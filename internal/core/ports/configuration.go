package ports

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/errors"
)

// Handler dispatch modes.
const (
	HandlerModeInline = "inline"
	HandlerModeAsync  = "async"
)

// Defaults shared by the configuration loader and DefaultConfiguration.
const (
	DefaultKeepAlive        = 15 * time.Second
	DefaultAcceptRetries    = 10
	DefaultAcceptBackoffMax = time.Second
	DefaultMaxConcurrent    = 64
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultMetricsAddress   = "127.0.0.1:9090"
	DefaultMetricsPath      = "/metrics"
	DefaultGracePeriod      = 30 * time.Second
	DefaultForceTimeout     = 45 * time.Second
)

// Configuration represents the complete configuration for an ephemport process.
type Configuration struct {
	Listener ListenerConfig `mapstructure:"listener" yaml:"listener"`
	Handler  HandlerConfig  `mapstructure:"handler" yaml:"handler"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Shutdown ShutdownConfig `mapstructure:"shutdown" yaml:"shutdown"`
}

// ListenerConfig controls how the listener is bound and how the accept loop behaves.
type ListenerConfig struct {
	// Host is the bind address. Empty binds every interface.
	Host string `mapstructure:"host" yaml:"host" validate:"bind_host"`

	// Port is the bind port. Zero asks the OS for an ephemeral port.
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// KeepAlive is the TCP keep-alive period for accepted connections.
	// Zero uses the OS default and a negative value disables keep-alives.
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`

	// MaxAccepts stops the accept loop after that many deliveries.
	// Zero accepts until the listener is stopped; one reproduces a single-shot listener.
	MaxAccepts int `mapstructure:"max_accepts" yaml:"max_accepts" validate:"gte=0"`

	// AcceptRetries is how many consecutive unexpected accept errors are
	// tolerated before the accept loop gives up.
	AcceptRetries int `mapstructure:"accept_retries" yaml:"accept_retries" validate:"gte=0"`

	// AcceptBackoffMax caps the delay between retries after an accept error.
	AcceptBackoffMax time.Duration `mapstructure:"accept_backoff_max" yaml:"accept_backoff_max" validate:"gte=0s"`
}

// HandlerConfig controls how accepted connections are dispatched.
type HandlerConfig struct {
	Mode          string        `mapstructure:"mode" yaml:"mode" validate:"oneof=inline async"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0s"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"log_level"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
	Path    string `mapstructure:"path" yaml:"path" validate:"http_path"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period" yaml:"grace_period" validate:"gt=0s"`
	ForceTimeout time.Duration `mapstructure:"force_timeout" yaml:"force_timeout" validate:"gtefield=GracePeriod"`
}

// DefaultConfiguration returns a configuration that binds an ephemeral port on
// every interface.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Listener: ListenerConfig{
			KeepAlive:        DefaultKeepAlive,
			AcceptRetries:    DefaultAcceptRetries,
			AcceptBackoffMax: DefaultAcceptBackoffMax,
		},
		Handler: HandlerConfig{
			Mode:          HandlerModeAsync,
			MaxConcurrent: DefaultMaxConcurrent,
			IdleTimeout:   DefaultIdleTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address: DefaultMetricsAddress,
			Path:    DefaultMetricsPath,
		},
		Shutdown: ShutdownConfig{
			GracePeriod:  DefaultGracePeriod,
			ForceTimeout: DefaultForceTimeout,
		},
	}
}

// BindAddress returns the host:port string passed to Listen.
func (l ListenerConfig) BindAddress() string {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(l.Host), "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(l.Port))
}

// Validate checks the configuration and returns an INVALID_CONFIGURATION
// domain error wrapping the first problem found.
func (c *Configuration) Validate() error {
	if c == nil {
		return errors.NewDomainError(errors.ErrInvalidConfiguration, &errors.ValidationError{
			Field:   "configuration",
			Value:   nil,
			Message: "configuration cannot be nil",
		})
	}

	if err := domain.ValidateStruct(c); err != nil {
		fieldErrs := domain.ConvertValidationErrors(err)
		if len(fieldErrs) == 0 {
			return errors.NewDomainError(errors.ErrInvalidConfiguration, err)
		}
		first := fieldErrs[0]
		return errors.NewDomainError(errors.ErrInvalidConfiguration, &errors.ValidationError{
			Field:   first.Field,
			Value:   first.Value,
			Message: first.Message,
		})
	}

	if c.Metrics.Enabled {
		if err := c.validateMetricsAddress(); err != nil {
			return errors.NewDomainError(errors.ErrInvalidConfiguration, err)
		}
	}

	return nil
}

func (c *Configuration) validateMetricsAddress() error {
	addr := strings.TrimSpace(c.Metrics.Address)
	if addr == "" {
		return &errors.ValidationError{
			Field:   "metrics.address",
			Value:   c.Metrics.Address,
			Message: "metrics address is required when metrics are enabled",
		}
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &errors.ValidationError{
			Field:   "metrics.address",
			Value:   c.Metrics.Address,
			Message: fmt.Sprintf("must be a host:port address: %v", err),
		}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return &errors.ValidationError{
			Field:   "metrics.address",
			Value:   c.Metrics.Address,
			Message: "port must be between 0 and 65535",
		}
	}
	return nil
}
