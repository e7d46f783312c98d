package notify

import (
	"log/slog"
)

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(event Event) {
	attrs := []any{"event", event.Type, "provider", event.Provider}
	if event.URL != "" {
		attrs = append(attrs, "url", event.URL)
	}
	if event.AttemptID != "" {
		attrs = append(attrs, "attempt_id", event.AttemptID)
	}

	switch event.Type {
	case TunnelEscalated, WebhookFailed:
		n.logger.Error(event.Message, attrs...)
	case TunnelUnhealthy, TunnelRecoveryRejected:
		n.logger.Warn(event.Message, attrs...)
	default:
		n.logger.Info(event.Message, attrs...)
	}
}
