// Veil: a safety vault for AI session content.
//
// Veil sits between an AI coding session and persistent memory: every
// prompt or code snippet is scanned for concrete references (file paths,
// URLs, IPs, emails, credentials, identifiers), which are abstracted to
// placeholders before anything touches storage. Content that cannot be
// fully abstracted is rejected with structured error codes.
//
// Usage:
//
//	veil serve              # Start MCP server (stdio transport)
//	veil check [file...]    # Validate files or stdin without storing
//	veil version            # Print version
package main

import (
	"os"

	"github.com/mgrinell/veil/internal/cli"
)

func main() {
	os.Exit(cli.Run())
}
