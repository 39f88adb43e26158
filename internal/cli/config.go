package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sufield/ephemport/internal/adapters/secondary/config"
	"github.com/sufield/ephemport/internal/core/ports"
)

func newConfigCommand() *cobra.Command {
	var (
		configPath string
		printYAML  bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the effective configuration",
		Long: `Load the configuration from defaults, the optional YAML file and EPHEMPORT_*
environment variables, then validate it. With --print the effective
configuration is written to stdout as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfiguration(cmd.Context(), configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !printYAML {
				fmt.Fprintln(out, "configuration is valid")
				return nil
			}

			data, err := config.Render(cfg)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInternal, err)
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().BoolVar(&printYAML, "print", false, "Print the effective configuration as YAML")
	return cmd
}

func loadConfiguration(ctx context.Context, path string) (*ports.Configuration, error) {
	cfg, err := config.NewProvider().LoadConfiguration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}
