// Command groupd is the host orchestrator: it mediates HTTP chat clients,
// per-group container subprocesses, a cron/interval scheduler, and a
// file-backed IPC inbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "groupd",
	Short:   "groupd is a host orchestrator for multi-group AI agent containers",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to an optional YAML config overlay")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	rootCmd.AddCommand(serveCmd)
}
