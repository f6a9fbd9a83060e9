package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSubscribe     EventType = "subscribe"
	EventUnsubscribe   EventType = "unsubscribe"
	EventRestart       EventType = "restart"
	EventDeliveryError EventType = "delivery_error"
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
)

// Event represents a subscription or connection lifecycle event exported to
// external systems. Connection events leave SubscriptionID and Collection empty.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Collection     string    `json:"collection,omitempty"`
	Query          string    `json:"query,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// NewEvent stamps a new event with a sortable ULID and the current UTC time.
func NewEvent(t EventType) Event {
	now := time.Now().UTC()
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       t,
		OccurredAt: now,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatch sends e to every sink. Failures are logged and never propagated:
// history is best-effort and must not disturb the subscription lifecycle.
func Dispatch(ctx context.Context, logger *slog.Logger, sinks []Sink, e Event) {
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil && logger != nil {
			logger.Debug("history sink send failed", "event", e.Type, "id", e.ID, "error", err)
		}
	}
}
