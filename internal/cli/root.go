package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the ephemport command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ephemport",
		Short: "TCP listener lifecycle manager for ephemeral ports",
		Long: `ephemport binds a TCP listener on an OS-assigned port, runs an accept loop
in the background and hands every accepted connection to a handler.

Use "serve" to run a listener, "probe" to check that a port accepts connections
and "config" to inspect the effective configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	})

	cmd.AddCommand(
		newServeCommand(),
		newProbeCommand(),
		newConfigCommand(),
		newVersionCommand(),
		newManCommand(),
	)
	return cmd
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
