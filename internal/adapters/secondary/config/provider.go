// Package config loads ephemport configuration from an optional YAML file and
// EPHEMPORT_* environment variables.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/sufield/ephemport/internal/core/errors"
	"github.com/sufield/ephemport/internal/core/ports"
)

// DefaultEnvPrefix is prepended to every environment override, e.g.
// EPHEMPORT_LISTENER_HOST or EPHEMPORT_SHUTDOWN_GRACE_PERIOD.
const DefaultEnvPrefix = "EPHEMPORT"

// Provider provides configuration from files and the environment.
type Provider struct {
	envPrefix string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithEnvPrefix overrides the environment variable prefix. An empty prefix
// disables environment overrides.
func WithEnvPrefix(prefix string) ProviderOption {
	return func(p *Provider) {
		p.envPrefix = prefix
	}
}

// NewProvider creates a provider.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadConfiguration layers defaults, the YAML file at path (when path is not
// empty) and environment overrides, then validates the result.
func (p *Provider) LoadConfiguration(ctx context.Context, path string) (*ports.Configuration, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("configuration loading canceled: %w", ctx.Err())
		default:
		}
	}

	v := viper.New()
	setDefaults(v, ports.DefaultConfiguration())

	if strings.TrimSpace(path) != "" {
		absPath, err := filepath.Abs(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config file path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if p.envPrefix != "" {
		v.SetEnvPrefix(p.envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	var cfg ports.Configuration
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, errors.NewDomainError(errors.ErrInvalidConfiguration,
			fmt.Errorf("failed to decode configuration: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("invalid configuration in file %s: %w", path, err)
	}

	return &cfg, nil
}

// GetDefaultConfiguration returns the built-in defaults.
func (p *Provider) GetDefaultConfiguration(context.Context) *ports.Configuration {
	return ports.DefaultConfiguration()
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d *ports.Configuration) {
	v.SetDefault("listener.host", d.Listener.Host)
	v.SetDefault("listener.port", d.Listener.Port)
	v.SetDefault("listener.keep_alive", d.Listener.KeepAlive)
	v.SetDefault("listener.max_accepts", d.Listener.MaxAccepts)
	v.SetDefault("listener.accept_retries", d.Listener.AcceptRetries)
	v.SetDefault("listener.accept_backoff_max", d.Listener.AcceptBackoffMax)

	v.SetDefault("handler.mode", d.Handler.Mode)
	v.SetDefault("handler.max_concurrent", d.Handler.MaxConcurrent)
	v.SetDefault("handler.idle_timeout", d.Handler.IdleTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("shutdown.grace_period", d.Shutdown.GracePeriod)
	v.SetDefault("shutdown.force_timeout", d.Shutdown.ForceTimeout)
}
