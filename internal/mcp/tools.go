package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/mcp/handlers"
	"github.com/btouchard/hookrelay/internal/notify"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// tunnel_status: current provider session
	s.AddTool(
		mcp.NewTool("tunnel_status",
			mcp.WithDescription("Show the active tunnel provider, its public URL, the registered webhook URL and provider-specific details."),
			mcp.WithString("format",
				mcp.Description("Output format: text (readable summary) or json (raw status object)"),
				mcp.Enum("text", "json"),
			),
		),
		handlers.TunnelStatus(deps.Tunnel),
	)

	// tunnel_events: event log
	s.AddTool(
		mcp.NewTool("tunnel_events",
			mcp.WithDescription("List recent tunnel lifecycle events (starts, health failures, recoveries, escalations, webhook registrations), newest first."),
			mcp.WithString("type",
				mcp.Description("Filter by event type"),
				mcp.Enum(
					notify.TunnelStarted,
					notify.TunnelStopped,
					notify.TunnelUnhealthy,
					notify.TunnelRecovered,
					notify.TunnelRecoveryRejected,
					notify.TunnelEscalated,
					notify.WebhookRegistered,
					notify.WebhookFailed,
				),
			),
			mcp.WithString("provider",
				mcp.Description("Filter by provider name (ngrok, cloudflare, tailscale)"),
			),
			mcp.WithString("since",
				mcp.Description("RFC 3339 datetime, only events after this time"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (default: 20, max: 200)"),
			),
		),
		handlers.TunnelEvents(deps.Events),
	)

	// monitor_state: recovery state machine
	s.AddTool(
		mcp.NewTool("monitor_state",
			mcp.WithDescription("Show the health monitor state: consecutive failures, restart budget, cooldown and the last check result."),
		),
		handlers.MonitorState(deps.Tunnel),
	)

	// webhook_info: platform view of the webhook
	s.AddTool(
		mcp.NewTool("webhook_info",
			mcp.WithDescription("Ask the bot platform where it currently delivers updates, how many are pending and the last delivery error."),
		),
		handlers.WebhookInfo(deps.Webhook, deps.Tunnel),
	)
}
