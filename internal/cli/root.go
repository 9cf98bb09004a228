// Package cli implements the poppobuilderd operator CLI (spec §6):
// "serve" runs the daemon itself, every other subcommand is a thin
// internal/ctrlsock client talking to an already-running daemon. One
// file per subcommand, each registering itself on rootCmd from an
// init func.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "poppobuilderd",
	Short: "PoppoBuilder work-dispatch daemon",
	Long:  "Watches configured projects, discovers actionable work items, and dispatches them to worker processes under concurrency, retry, and fairness controls.",
}

func init() {
	def := filepath.Join(os.TempDir(), "poppobuilderd.sock")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", def, "control-plane Unix socket path")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
