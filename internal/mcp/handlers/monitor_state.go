package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/hookrelay/internal/monitor"
)

// MonitorState returns a handler that reports the recovery state machine.
func MonitorState(t Tunnel) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		m := t.Monitor()
		if m == nil {
			return mcp.NewToolResultText("Monitoring is not active."), nil
		}
		return mcp.NewToolResultText(formatSnapshot(m.Snapshot())), nil
	}
}

func formatSnapshot(s monitor.Snapshot) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s Monitor for **%s**: %s\n\n", stateIcon(s.State), s.Provider, s.State)
	if !s.Monitored {
		sb.WriteString("Provider is exempt from health checks.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "- **Interval:** %s\n", s.Interval)
	fmt.Fprintf(&sb, "- **Consecutive failures:** %d\n", s.ConsecutiveFailures)
	fmt.Fprintf(&sb, "- **Restarts (last hour):** %d/%d\n", s.RestartsLastHour, s.MaxRestartsPerHour)
	fmt.Fprintf(&sb, "- **Cooldown:** %s\n", s.RestartCooldown)
	if s.LastRestart != nil {
		fmt.Fprintf(&sb, "- **Last restart:** %s\n", humanize.Time(*s.LastRestart))
	}
	if s.LastCheck != nil {
		result := "healthy"
		if !s.LastCheckHealthy {
			result = "unhealthy"
		}
		fmt.Fprintf(&sb, "- **Last check:** %s (%s)\n", humanize.Time(*s.LastCheck), result)
	}
	if s.LastCheckMessage != "" {
		fmt.Fprintf(&sb, "- **Message:** %s\n", s.LastCheckMessage)
	}
	if s.LastAttemptID != "" {
		fmt.Fprintf(&sb, "- **Last attempt:** %s\n", s.LastAttemptID)
	}
	return sb.String()
}

func stateIcon(s monitor.State) string {
	switch s {
	case monitor.StateNormal, monitor.StateRecovered:
		return "🟢"
	case monitor.StateDegraded, monitor.StateRecovering:
		return "🟡"
	case monitor.StateEscalated:
		return "🔴"
	default:
		return "❓"
	}
}
