// Package cli implements the veil command line interface.
package cli

import (
	"fmt"
	"os"

	veilserver "github.com/mgrinell/veil/internal/server"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitRejected     = 1
	ExitUsageError   = 2
	ExitRuntimeError = 3
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "veil",
	Short: "Reference-abstraction vault for AI session content",
	Long: "Veil validates prompt/code content against a pattern catalog, abstracts every\n" +
		"concrete reference to a placeholder, and persists only content that passes the\n" +
		"safety gate. Every write is re-checked at the storage boundary.",
}

// exitCode is set by command handlers to control the process exit code.
var exitCode = ExitSuccess

// Run executes the root command and returns an exit code.
func Run() int {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default ~/.veil/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error
		return ExitUsageError
	}
	return exitCode
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print veil version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "veil version %s\n", veilserver.Version)
	},
}
