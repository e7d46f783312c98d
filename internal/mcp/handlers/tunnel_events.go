package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/notify"
	"github.com/btouchard/hookrelay/internal/store"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 200
)

// EventLister reads the event log.
type EventLister interface {
	ListEvents(f store.EventFilter) ([]store.EventRecord, error)
}

// TunnelEvents returns a handler that lists recent tunnel events, newest
// first.
func TunnelEvents(events EventLister) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if events == nil {
			return mcp.NewToolResultError("event log is not configured"), nil
		}
		args := req.GetArguments()

		filter := store.EventFilter{Limit: defaultEventLimit}
		if typ, ok := args["type"].(string); ok {
			filter.Type = typ
		}
		if provider, ok := args["provider"].(string); ok {
			filter.Provider = provider
		}
		if limit, ok := args["limit"].(float64); ok && limit > 0 {
			filter.Limit = min(int(limit), maxEventLimit)
		}
		if since, ok := args["since"].(string); ok && since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: expected RFC 3339", since)), nil
			}
			filter.Since = ts
		}

		records, err := events.ListEvents(filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %s", err)), nil
		}
		if len(records) == 0 {
			return mcp.NewToolResultText("No tunnel events found matching the given filters."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "📜 Tunnel events (%d found)\n\n", len(records))
		for _, r := range records {
			fmt.Fprintf(&sb, "%s **%s** [%s] %s\n", eventIcon(r.Type), r.Type, r.Provider, humanize.Time(r.CreatedAt))
			if r.Message != "" {
				fmt.Fprintf(&sb, "  %s\n", r.Message)
			}
			if r.URL != "" {
				fmt.Fprintf(&sb, "  URL: %s\n", r.URL)
			}
			if r.AttemptID != "" {
				fmt.Fprintf(&sb, "  Attempt: %s\n", r.AttemptID)
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func eventIcon(typ string) string {
	switch typ {
	case notify.TunnelStarted, notify.TunnelRecovered, notify.WebhookRegistered:
		return "✅"
	case notify.TunnelStopped:
		return "⏹"
	case notify.TunnelUnhealthy, notify.TunnelRecoveryRejected:
		return "⚠️"
	case notify.TunnelEscalated, notify.WebhookFailed:
		return "❌"
	default:
		return "❓"
	}
}
