// Package server wires the pipeline, store, and MCP tools together.
//
// This is the composition root: it creates concrete implementations and
// injects them into the tools that depend on them. No validation or
// storage logic lives here, only wiring.
package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mgrinell/veil/internal/audit"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/config"
	"github.com/mgrinell/veil/internal/pipeline"
	"github.com/mgrinell/veil/internal/vault"
	"github.com/mgrinell/veil/internal/vaulttools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools registered.
//
// The returned cleanup function closes the vault's database connection and
// must be called on shutdown (typically via defer). It is always non-nil
// and safe to call even if initialization failed.
func New(cfg config.Config) (*server.MCPServer, func(), error) {
	// Logging goes to stderr: stdout belongs to the stdio transport.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cat, err := catalog.Load(cfg.RulesFile)
	if err != nil {
		return nil, noop, fmt.Errorf("loading pattern catalog: %w", err)
	}

	store, err := vault.New(vault.Config{
		DataDir:          cfg.DataDir,
		MinScore:         cfg.MinScore,
		MaxSearchResults: cfg.MaxSearchResults,
	}, cat)
	if err != nil {
		return nil, noop, fmt.Errorf("opening vault: %w", err)
	}
	cleanup := func() { _ = store.Close() }

	recorder := audit.New(store, "veil-server")
	pipe := pipeline.New(cat, pipeline.Options{
		MinScore:        cfg.MinScore,
		ConfidenceFloor: cfg.ConfidenceFloor,
		Recorder:        recorder,
		Logs:            store,
		Logger:          logger,
	})

	s := server.NewMCPServer(
		"veil",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	saveTool := vaulttools.NewSaveTool(pipe, store)
	s.AddTool(saveTool.Definition(), saveTool.Handle)

	checkTool := vaulttools.NewCheckTool(pipe)
	s.AddTool(checkTool.Definition(), checkTool.Handle)

	searchTool := vaulttools.NewSearchTool(store)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	conflictsTool := vaulttools.NewConflictsTool(store)
	s.AddTool(conflictsTool.Definition(), conflictsTool.Handle)

	resolveTool := vaulttools.NewResolveTool(store)
	s.AddTool(resolveTool.Definition(), resolveTool.Handle)

	auditTool := vaulttools.NewAuditTool(store)
	s.AddTool(auditTool.Definition(), auditTool.Handle)

	statsTool := vaulttools.NewStatsTool(store)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	return s, cleanup, nil
}

func noop() {}

func serverInstructions() string {
	return `Veil stores prompt/code content with every concrete reference abstracted.

Use vault_check before vault_save when the caller wants to preview the
abstraction. Content is rejected when its safety score falls below the
configured minimum or when a concrete reference survives abstraction;
rejections carry stable error codes (E1001-E1003, SA001-SA004) with
remediation suggestions. Nothing concrete is ever persisted: storage
re-validates every write inside the same transaction.`
}
