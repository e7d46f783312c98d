package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// SecretHeader carries the secret token registered with SetWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// Update is an incoming webhook delivery. Only update_id is decoded; the
// full payload is kept in Raw.
type Update struct {
	UpdateID int64           `json:"update_id"`
	Raw      json.RawMessage `json:"-"`
}

// UpdateHandler processes one delivered update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u Update) error
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(ctx context.Context, u Update) error

func (f UpdateHandlerFunc) HandleUpdate(ctx context.Context, u Update) error { return f(ctx, u) }

// LogUpdates is the default handler: it only logs the update id.
var LogUpdates UpdateHandler = UpdateHandlerFunc(func(_ context.Context, u Update) error {
	slog.Info("webhook update received", "update_id", u.UpdateID, "bytes", len(u.Raw))
	return nil
})

// NewReceiver returns the handler mounted at the webhook path. When secret
// is non-empty, deliveries without the matching SecretHeader are rejected.
func NewReceiver(secret string, h UpdateHandler) http.Handler {
	if h == nil {
		h = LogUpdates
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				slog.Warn("webhook delivery with invalid secret token", "remote_addr", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		var u Update
		if err := json.Unmarshal(raw, &u); err != nil {
			http.Error(w, "invalid update payload", http.StatusBadRequest)
			return
		}
		u.Raw = raw

		if err := h.HandleUpdate(r.Context(), u); err != nil {
			slog.Error("webhook update handler failed", "update_id", u.UpdateID, "error", err)
			http.Error(w, "update handling failed", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	})
}
