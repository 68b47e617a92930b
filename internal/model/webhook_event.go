package model

import "time"

// WebhookEvent is one row of the processed-events ledger. EventID is unique;
// a row exists only if the event's effects were committed with it.
type WebhookEvent struct {
	ID          uint64    `json:"id"`                   // webhook_events.id
	EventID     string    `json:"event_id"`             // webhook_events.event_id
	EventType   string    `json:"event_type"`           // webhook_events.event_type
	Environment string    `json:"environment"`          // webhook_events.environment
	BookingID   *uint64   `json:"booking_id,omitempty"` // webhook_events.booking_id
	Outcome     string    `json:"outcome"`              // webhook_events.outcome
	ProcessedAt time.Time `json:"processed_at"`         // webhook_events.processed_at
}
