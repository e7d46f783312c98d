package notify

import (
	"log/slog"

	"github.com/btouchard/hookrelay/internal/store"
)

// EventWriter is the subset of store.Store used to persist events.
type EventWriter interface {
	AddEvent(e *store.EventRecord) error
}

// StoreNotifier appends every event to the event log.
type StoreNotifier struct {
	w EventWriter
}

func NewStoreNotifier(w EventWriter) *StoreNotifier {
	return &StoreNotifier{w: w}
}

func (n *StoreNotifier) Notify(event Event) {
	rec := &store.EventRecord{
		Type:      event.Type,
		Provider:  event.Provider,
		URL:       event.URL,
		Message:   event.Message,
		AttemptID: event.AttemptID,
		CreatedAt: event.Time,
	}
	if err := n.w.AddEvent(rec); err != nil {
		slog.Error("failed to persist tunnel event", "type", event.Type, "error", err)
	}
}
