package config

import (
	"fmt"

	yaml "gopkg.in/yaml.v3"

	"github.com/sufield/ephemport/internal/core/ports"
)

// Render marshals cfg as YAML that LoadConfiguration reads back unchanged.
// Durations are written as Go duration strings.
func Render(cfg *ports.Configuration) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	doc := map[string]any{
		"listener": map[string]any{
			"host":               cfg.Listener.Host,
			"port":               cfg.Listener.Port,
			"keep_alive":         cfg.Listener.KeepAlive.String(),
			"max_accepts":        cfg.Listener.MaxAccepts,
			"accept_retries":     cfg.Listener.AcceptRetries,
			"accept_backoff_max": cfg.Listener.AcceptBackoffMax.String(),
		},
		"handler": map[string]any{
			"mode":           cfg.Handler.Mode,
			"max_concurrent": cfg.Handler.MaxConcurrent,
			"idle_timeout":   cfg.Handler.IdleTimeout.String(),
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"address": cfg.Metrics.Address,
			"path":    cfg.Metrics.Path,
		},
		"shutdown": map[string]any{
			"grace_period":  cfg.Shutdown.GracePeriod.String(),
			"force_timeout": cfg.Shutdown.ForceTimeout.String(),
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}
	return out, nil
}
