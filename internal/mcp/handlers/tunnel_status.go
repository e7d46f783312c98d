package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/monitor"
	"github.com/btouchard/hookrelay/internal/tunnel"
)

// Tunnel is the view of the lifecycle manager the tools read from.
type Tunnel interface {
	Provider() tunnel.Provider
	Monitor() *monitor.Monitor
	RegisteredURL() string
}

// TunnelStatus returns a handler that reports the active provider's status.
func TunnelStatus(t Tunnel) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		p := t.Provider()
		if p == nil {
			return mcp.NewToolResultText("Tunnelling is disabled (provider: none)."), nil
		}
		st := p.Status()

		if format, _ := args["format"].(string); format == "json" {
			raw, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("encoding status: %s", err)), nil
			}
			return mcp.NewToolResultText(string(raw)), nil
		}

		return mcp.NewToolResultText(formatStatus(st, t.RegisteredURL())), nil
	}
}

func formatStatus(st tunnel.Status, registered string) string {
	var sb strings.Builder

	icon := "🔴"
	if st.Active {
		icon = "🟢"
	}
	fmt.Fprintf(&sb, "%s Tunnel **%s**\n\n", icon, st.Provider)
	fmt.Fprintf(&sb, "- **Active:** %t\n", st.Active)
	if st.URL != "" {
		fmt.Fprintf(&sb, "- **URL:** %s\n", st.URL)
	}
	fmt.Fprintf(&sb, "- **Stable URL:** %t\n", st.ProvidesStableURL)
	if registered != "" {
		fmt.Fprintf(&sb, "- **Webhook:** %s\n", registered)
	}

	keys := make([]string, 0, len(st.Extra))
	for k := range st.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %v\n", k, st.Extra[k])
	}

	return sb.String()
}
