package cli

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/ephemport/internal/probe"
)

type probeOptions struct {
	host     string
	port     int
	attempts int
	interval time.Duration
	timeout  time.Duration
}

func newProbeCommand() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a port is accepting TCP connections",
		Long: `Dial host:port, retrying until a connection is accepted or the attempts
run out. The connection is closed immediately after it is established.`,
		Example: `  ephemport probe --port "$(cat /tmp/ephemport.port)"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "127.0.0.1", "Host to dial")
	flags.IntVarP(&opts.port, "port", "p", 0, "Port to dial (required)")
	flags.IntVar(&opts.attempts, "attempts", 5, "Number of dial attempts")
	flags.DurationVar(&opts.interval, "interval", 200*time.Millisecond, "Pause between attempts")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Second, "Timeout for each dial")
	return cmd
}

func runProbe(cmd *cobra.Command, opts *probeOptions) error {
	if opts.port < 1 || opts.port > 65535 {
		return fmt.Errorf("%w: --port must be between 1 and 65535, got %d", ErrUsage, opts.port)
	}
	if opts.attempts < 1 {
		return fmt.Errorf("%w: --attempts must be at least 1", ErrUsage)
	}

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	res, err := probe.Check(cmd.Context(), addr, probe.Options{
		Attempts: opts.attempts,
		Interval: opts.interval,
		Timeout:  opts.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is accepting connections (attempt %d, %s)\n",
		res.Address, res.Attempts, res.Elapsed.Round(time.Millisecond))
	return nil
}
