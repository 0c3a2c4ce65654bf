// Package vaulttools exposes the abstraction pipeline and the vault store
// as MCP tools. Each tool is a thin adapter: parameter parsing in, one
// pipeline or store call, formatted text out. No validation logic lives
// here.
package vaulttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mgrinell/veil/internal/pipeline"
	"github.com/mgrinell/veil/internal/safety"
	"github.com/mgrinell/veil/internal/vault"
)

// SaveTool handles the vault_save MCP tool.
type SaveTool struct {
	pipe  *pipeline.Pipeline
	store *vault.Store
}

// NewSaveTool creates a SaveTool.
func NewSaveTool(pipe *pipeline.Pipeline, store *vault.Store) *SaveTool {
	return &SaveTool{pipe: pipe, store: store}
}

// Definition returns the MCP tool definition for vault_save.
func (t *SaveTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_save",
		mcp.WithDescription(
			"Validate and persist a prompt/code pair. Every concrete reference (file path, URL, IP, "+
				"email, credential, identifier) is abstracted to a placeholder before anything is stored; "+
				"content that cannot be fully abstracted is rejected with structured error codes.",
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The prompt text to abstract and store"),
		),
		mcp.WithString("code",
			mcp.Description("Companion code snippet or log excerpt"),
		),
		mcp.WithString("language",
			mcp.Description("Language of the code field (e.g. python, go)"),
		),
	)
}

// Handle processes the vault_save tool call.
func (t *SaveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if prompt == "" {
		return mcp.NewToolResultError("'prompt' is required"), nil
	}

	res := t.pipe.ProcessAndStore(t.store, pipeline.ContentUnit{
		Prompt:   prompt,
		Code:     req.GetString("code", ""),
		Language: req.GetString("language", ""),
	})

	if !res.IsValid {
		return mcp.NewToolResultText(formatRejection(res)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stored content unit %s (score %.3f)\n", res.ContentID, res.SafetyScore)
	fmt.Fprintf(&b, "Mappings: %d\n", len(res.Mappings))
	for _, m := range res.Mappings {
		fmt.Fprintf(&b, "  %s → %s (%s)\n", m.Original, m.Abstracted, m.Type)
	}
	appendWarnings(&b, res.Warnings)
	return mcp.NewToolResultText(b.String()), nil
}

// formatRejection renders a rejected result with one line per structured
// error so callers can remediate condition by condition.
func formatRejection(res pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "REJECTED (score %.3f)\n", res.SafetyScore)
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "  [%s] %s", e.Code, e.Message)
		if e.Suggestion != "" {
			fmt.Fprintf(&b, " (%s)", e.Suggestion)
		}
		b.WriteString("\n")
	}
	appendWarnings(&b, res.Warnings)
	return b.String()
}

func appendWarnings(b *strings.Builder, warnings []safety.Error) {
	for _, w := range warnings {
		fmt.Fprintf(b, "  warning [%s] %s\n", w.Code, w.Message)
	}
}
