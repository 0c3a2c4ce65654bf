package vaulttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mgrinell/veil/internal/vault"
)

// SearchTool handles the vault_search MCP tool. Search runs over
// abstracted content only; raw content is never stored, so nothing
// concrete can surface here.
type SearchTool struct {
	store *vault.Store
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(store *vault.Store) *SearchTool {
	return &SearchTool{store: store}
}

// Definition returns the MCP tool definition for vault_search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_search",
		mcp.WithDescription("Full-text search over stored abstracted content units."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search terms"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default 20)"),
		),
	)
}

// Handle processes the vault_search tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	results, err := t.store.Search(query, req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No matching content units."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d results:\n", len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "• %s (%s, %s)\n  %s\n", r.ID, r.Language, r.CreatedAt, firstLine(r.AbstractedPrompt))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
