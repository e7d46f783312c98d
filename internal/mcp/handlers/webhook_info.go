package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/webhook"
)

// WebhookInfo returns a handler that asks the platform where it currently
// delivers updates and compares that with the locally registered URL.
func WebhookInfo(client webhook.Client, t Tunnel) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if client == nil {
			return mcp.NewToolResultError("webhook client is not configured (missing bot token)"), nil
		}

		info, err := client.GetWebhookInfo(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch webhook info: %s", err)), nil
		}

		var sb strings.Builder
		sb.WriteString("🔗 Webhook\n\n")
		if info.URL == "" {
			sb.WriteString("- **URL:** (not set)\n")
		} else {
			fmt.Fprintf(&sb, "- **URL:** %s\n", info.URL)
		}
		fmt.Fprintf(&sb, "- **Pending updates:** %d\n", info.PendingUpdateCount)
		if info.MaxConnections > 0 {
			fmt.Fprintf(&sb, "- **Max connections:** %d\n", info.MaxConnections)
		}
		if info.IPAddress != "" {
			fmt.Fprintf(&sb, "- **IP:** %s\n", info.IPAddress)
		}
		if last := info.LastError(); !last.IsZero() {
			fmt.Fprintf(&sb, "- **Last error:** %s (%s)\n", info.LastErrorMessage, humanize.Time(last))
		}

		if registered := t.RegisteredURL(); registered != "" && registered != info.URL {
			fmt.Fprintf(&sb, "\n⚠️ Platform URL differs from the URL registered by this instance (%s).\n", registered)
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}
