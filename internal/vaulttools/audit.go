package vaulttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mgrinell/veil/internal/vault"
)

// AuditTool handles the vault_audit MCP tool.
type AuditTool struct {
	store *vault.Store
}

// NewAuditTool creates an AuditTool.
func NewAuditTool(store *vault.Store) *AuditTool {
	return &AuditTool{store: store}
}

// Definition returns the MCP tool definition for vault_audit.
func (t *AuditTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_audit",
		mcp.WithDescription("Show recent audit events: detections, abstractions, and verdicts."),
		mcp.WithString("content_id",
			mcp.Description("Filter events to one content unit"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events (default 50)"),
		),
	)
}

// Handle processes the vault_audit tool call.
func (t *AuditTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	events, err := t.store.AuditEvents(req.GetString("content_id", ""), req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", err)), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText("No audit events."), nil
	}

	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %-12s %-10s impact=%s", e.At, e.Type, e.Action, e.SafetyImpact)
		if e.ContentID != "" {
			fmt.Fprintf(&b, " unit=%s", e.ContentID)
		}
		if e.Details != "" {
			fmt.Fprintf(&b, " %s", e.Details)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ─── StatsTool ───────────────────────────────────────────────────────────────

// StatsTool handles the vault_stats MCP tool.
type StatsTool struct {
	store *vault.Store
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(store *vault.Store) *StatsTool {
	return &StatsTool{store: store}
}

// Definition returns the MCP tool definition for vault_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_stats",
		mcp.WithDescription("Aggregate vault statistics: unit, mapping, and audit counts, average score."),
	)
}

// Handle processes the vault_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.store.VaultStats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats query failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Content units:   %d\n", st.TotalUnits)
	fmt.Fprintf(&b, "Mappings:        %d\n", st.TotalMappings)
	fmt.Fprintf(&b, "Audit events:    %d\n", st.TotalAudits)
	fmt.Fprintf(&b, "Open conflicts:  %d\n", st.OpenConflicts)
	fmt.Fprintf(&b, "Average score:   %.3f\n", st.AverageScore)
	fmt.Fprintf(&b, "Validation runs: %d accepted, %d rejected\n", st.AcceptedRuns, st.RejectedRuns)
	return mcp.NewToolResultText(b.String()), nil
}
