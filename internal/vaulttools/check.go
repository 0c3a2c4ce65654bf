package vaulttools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/pipeline"
)

// CheckTool handles the vault_check MCP tool: a dry run of the pipeline
// that returns the abstraction preview and verdict without persisting.
type CheckTool struct {
	pipe *pipeline.Pipeline
}

// NewCheckTool creates a CheckTool.
func NewCheckTool(pipe *pipeline.Pipeline) *CheckTool {
	return &CheckTool{pipe: pipe}
}

// Definition returns the MCP tool definition for vault_check.
func (t *CheckTool) Definition() mcp.Tool {
	return mcp.NewTool("vault_check",
		mcp.WithDescription(
			"Dry-run validation: abstract the given content and report the safety score, mappings, "+
				"and verdict without storing anything. Pass existing mappings JSON to validate a "+
				"caller-supplied abstraction instead of generating one.",
		),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("The prompt text to check"),
		),
		mcp.WithString("code",
			mcp.Description("Companion code snippet"),
		),
		mcp.WithString("language",
			mcp.Description("Language of the code field"),
		),
		mcp.WithString("abstracted_prompt",
			mcp.Description("Pre-abstracted prompt to validate instead of abstracting"),
		),
		mcp.WithString("abstracted_code",
			mcp.Description("Pre-abstracted code to validate instead of abstracting"),
		),
		mcp.WithString("mappings",
			mcp.Description(`JSON array of {"original","abstracted","reference_type"} to validate`),
		),
	)
}

// Handle processes the vault_check tool call.
func (t *CheckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := req.GetString("prompt", "")
	if prompt == "" {
		return mcp.NewToolResultError("'prompt' is required"), nil
	}

	unit := pipeline.ContentUnit{
		Prompt:   prompt,
		Code:     req.GetString("code", ""),
		Language: req.GetString("language", ""),
	}

	var res pipeline.Result
	if mappingsJSON := req.GetString("mappings", ""); mappingsJSON != "" {
		provided, err := parseProvided(req, mappingsJSON)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res = t.pipe.ValidateProvided(unit, provided)
	} else {
		res = t.pipe.Process(unit)
	}

	var b strings.Builder
	verdict := "VALID"
	if !res.IsValid {
		verdict = "REJECTED"
	}
	fmt.Fprintf(&b, "%s (score %.3f)\n", verdict, res.SafetyScore)
	fmt.Fprintf(&b, "Abstracted prompt:\n%s\n", res.AbstractedPrompt)
	if res.AbstractedCode != "" {
		fmt.Fprintf(&b, "Abstracted code:\n%s\n", res.AbstractedCode)
	}
	for _, m := range res.Mappings {
		flag := ""
		if m.LowConfidence {
			flag = " [low confidence]"
		}
		fmt.Fprintf(&b, "  %s → %s (%s)%s\n", m.Original, m.Abstracted, m.Type, flag)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "  [%s] %s", e.Code, e.Message)
		if e.Suggestion != "" {
			fmt.Fprintf(&b, " (%s)", e.Suggestion)
		}
		b.WriteString("\n")
	}
	appendWarnings(&b, res.Warnings)
	return mcp.NewToolResultText(b.String()), nil
}

// parseProvided decodes a caller-supplied abstraction set.
func parseProvided(req mcp.CallToolRequest, mappingsJSON string) (pipeline.Provided, error) {
	var raw []struct {
		Original      string `json:"original"`
		Abstracted    string `json:"abstracted"`
		ReferenceType string `json:"reference_type"`
	}
	if err := json.Unmarshal([]byte(mappingsJSON), &raw); err != nil {
		return pipeline.Provided{}, fmt.Errorf("invalid 'mappings' JSON: %v", err)
	}
	mappings := make([]abstraction.Mapping, 0, len(raw))
	for _, m := range raw {
		mappings = append(mappings, abstraction.Mapping{
			Original:   m.Original,
			Abstracted: m.Abstracted,
			Type:       catalog.ReferenceType(m.ReferenceType),
		})
	}
	return pipeline.Provided{
		AbstractedPrompt: req.GetString("abstracted_prompt", ""),
		AbstractedCode:   req.GetString("abstracted_code", ""),
		Mappings:         mappings,
	}, nil
}
