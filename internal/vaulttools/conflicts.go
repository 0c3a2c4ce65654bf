package vaulttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mgrinell/veil/internal/vault"
)

// ConflictsTool handles the vault_conflicts MCP tool: lists open drift
// conflicts and optionally runs a fresh drift scan for one content unit.
type ConflictsTool struct {
	store *vault.Store
}

// NewConflictsTool creates a ConflictsTool.
func NewConflictsTool(store *vault.Store) *ConflictsTool {
	return &ConflictsTool{store: store}
}

// Definition returns the MCP tool definition for vault_conflicts.
func (t *ConflictsTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_conflicts",
		mcp.WithDescription(
			"List open abstraction-drift conflicts. Pass content_id to re-scan one stored unit "+
				"for drift between its stored mappings and the current canonical placeholders.",
		),
		mcp.WithString("content_id",
			mcp.Description("Content unit to scan for drift"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum conflicts to list (default 50)"),
		),
	)
}

// Handle processes the vault_conflicts tool call.
func (t *ConflictsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder

	if contentID := req.GetString("content_id", ""); contentID != "" {
		opened, err := t.store.DetectDrift(contentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("drift scan failed: %v", err)), nil
		}
		fmt.Fprintf(&b, "Drift scan of %s: %d new conflicts\n", contentID, len(opened))
	}

	conflicts, err := t.store.OpenConflicts(req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing conflicts failed: %v", err)), nil
	}
	if len(conflicts) == 0 {
		b.WriteString("No open conflicts.")
		return mcp.NewToolResultText(b.String()), nil
	}
	for _, c := range conflicts {
		fmt.Fprintf(&b, "• #%d mapping %d: %s (%s) since %s\n",
			c.ID, c.ReferenceID, c.ConflictType, c.Severity, c.DetectedAt)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ─── ResolveTool ─────────────────────────────────────────────────────────────

// ResolveTool handles the vault_resolve MCP tool.
type ResolveTool struct {
	store *vault.Store
}

// NewResolveTool creates a ResolveTool.
func NewResolveTool(store *vault.Store) *ResolveTool {
	return &ResolveTool{store: store}
}

// Definition returns the MCP tool definition for vault_resolve.
func (t *ResolveTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_resolve",
		mcp.WithDescription("Mark an open conflict as resolved or ignored. Conflicts are never deleted."),
		mcp.WithNumber("conflict_id",
			mcp.Required(),
			mcp.Description("Conflict id from vault_conflicts"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("New status: resolved or ignored"),
		),
	)
}

// Handle processes the vault_resolve tool call.
func (t *ResolveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("conflict_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("'conflict_id' is required"), nil
	}
	status := req.GetString("status", "")

	if err := t.store.ResolveConflict(int64(id), status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Conflict #%d marked %s", id, status)), nil
}
