// Command chromesession is the thin process entrypoint for the session
// and telemetry core. Argument parsing beyond --addr/--timeout and
// process signal handling are out of scope; this binary exists only to
// make the core runnable, not to define a tool protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chromesession",
		Short:         "Session and telemetry core for CDP-driven browser automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "log format: text, json")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}
