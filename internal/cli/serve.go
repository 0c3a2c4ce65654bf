package cli

import (
	"fmt"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mgrinell/veil/internal/config"
	veilserver "github.com/mgrinell/veil/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			exitCode = ExitRuntimeError
			return err
		}

		s, cleanup, err := veilserver.New(cfg)
		if err != nil {
			exitCode = ExitRuntimeError
			return fmt.Errorf("creating server: %w", err)
		}
		defer cleanup()

		fmt.Fprintf(os.Stderr, "veil %s serving on stdio (data dir %s)\n", veilserver.Version, cfg.DataDir)
		if err := mcpserver.ServeStdio(s); err != nil {
			exitCode = ExitRuntimeError
			return err
		}
		return nil
	},
}
