package notify

import (
	"sync"
	"time"
)

// Event types emitted over a tunnel's lifetime.
const (
	TunnelStarted          = "tunnel.started"
	TunnelStopped          = "tunnel.stopped"
	TunnelUnhealthy        = "tunnel.unhealthy"
	TunnelRecovered        = "tunnel.recovered"
	TunnelRecoveryRejected = "tunnel.recovery_rejected"
	TunnelEscalated        = "tunnel.escalated"
	WebhookRegistered      = "webhook.registered"
	WebhookFailed          = "webhook.failed"
)

// Event represents a tunnel lifecycle notification.
type Event struct {
	Type     string
	Provider string
	URL      string
	Message  string

	// AttemptID correlates the events of one recovery attempt.
	AttemptID string
	Time      time.Time
}

// Notifier sends tunnel lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(event Event) { f(event) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(Event) {})

// Hub dispatches events to multiple notifiers.
type Hub struct {
	mu        sync.RWMutex
	notifiers []Notifier
	wg        sync.WaitGroup
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Notify sends an event to all registered notifiers without blocking.
func (h *Hub) Notify(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	h.mu.RLock()
	notifiers := h.notifiers
	h.mu.RUnlock()

	for _, n := range notifiers {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			n.Notify(event)
		}()
	}
}

// Add registers another notifier. Events already dispatched are not
// replayed.
func (h *Hub) Add(n Notifier) {
	h.mu.Lock()
	h.notifiers = append(h.notifiers[:len(h.notifiers):len(h.notifiers)], n)
	h.mu.Unlock()
}

// Wait blocks until every dispatched event has been delivered.
func (h *Hub) Wait() {
	h.wg.Wait()
}
