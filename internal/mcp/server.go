// Package mcp exposes the tunnel lifecycle to MCP clients.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/mcp/handlers"
	"github.com/btouchard/hookrelay/internal/webhook"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Tunnel  handlers.Tunnel
	Events  handlers.EventLister
	Webhook webhook.Client
	Version string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"hookrelay",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
