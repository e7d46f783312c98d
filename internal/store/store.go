package store

import (
	"time"
)

// Store is the persistence interface for the tunnel event log.
type Store interface {
	AddEvent(e *EventRecord) error
	ListEvents(f EventFilter) ([]EventRecord, error)
	CountEvents(f EventFilter) (int, error)

	// Cleanup deletes events created before cutoff and returns how many
	// were removed.
	Cleanup(cutoff time.Time) (int64, error)
	Close() error
}

// EventRecord is one persisted tunnel lifecycle event.
type EventRecord struct {
	ID        int64
	Type      string
	Provider  string
	URL       string
	Message   string
	AttemptID string
	CreatedAt time.Time
}

// EventFilter specifies criteria for listing events. Zero values match
// everything.
type EventFilter struct {
	Type     string
	Provider string
	Since    time.Time
	Limit    int
}
