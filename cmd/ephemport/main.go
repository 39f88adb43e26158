// ephemport runs a TCP listener on an ephemeral port and hands accepted
// connections to a handler.
//
// Usage:
//
//	ephemport serve [--config file] [--host h] [--port-file path]
//	ephemport probe --port N
//	ephemport config [--print]
//	ephemport version
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sufield/ephemport/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.RedactError(err))
		os.Exit(cli.ExitCode(err))
	}
}
