package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "evalbridge",
		Short: "WebSocket bridge between a REPL host and remote JavaScript clients",
		Long: `evalbridge runs a WebSocket server that remote JavaScript execution
clients (typically browser pages) connect to. A REPL host sends code through
the bridge to a chosen client and receives that client's printed output and
results synchronously. Several clients can attach at once; the host switches
among them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
