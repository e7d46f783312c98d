package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes tunnel events to connected MCP clients.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // provider → last unhealthy notification time
}

// NewMCPNotifier creates an MCPNotifier. Repeated unhealthy events for the
// same provider are collapsed within the debounce interval; every other
// event is sent immediately.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = time.Minute
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	switch event.Type {
	case TunnelUnhealthy:
		if n.debounced(event.Provider) {
			return
		}
		n.sendMessage(event, "warning")
	case TunnelRecovered, TunnelStarted, WebhookRegistered:
		n.clearDebounce(event.Provider)
		n.sendMessage(event, "info")
	case TunnelStopped:
		n.sendMessage(event, "info")
	case TunnelRecoveryRejected:
		n.sendMessage(event, "warning")
	case TunnelEscalated, WebhookFailed:
		n.sendMessage(event, "error")
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

func (n *MCPNotifier) debounced(provider string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, ok := n.lastSent[provider]
	if ok && time.Since(last) < n.debounce {
		return true
	}
	n.lastSent[provider] = time.Now()
	return false
}

func (n *MCPNotifier) sendMessage(event Event, level string) {
	data := map[string]any{
		"type":     event.Type,
		"provider": event.Provider,
		"message":  event.Message,
	}
	if event.URL != "" {
		data["url"] = event.URL
	}
	if event.AttemptID != "" {
		data["attempt_id"] = event.AttemptID
	}

	n.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "hookrelay",
		"data":   data,
	})
}

func (n *MCPNotifier) clearDebounce(provider string) {
	n.mu.Lock()
	delete(n.lastSent, provider)
	n.mu.Unlock()
}
