// Package queue defines message payloads exchanged over the message broker
// and the publisher and consumer that carry them.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/slot-booking/internal/model"
)

// Routing keys on the notification exchange.
const (
	RoutingBookingConfirmed = "booking.confirmed"
	RoutingBookingCancelled = "booking.cancelled"
	RoutingBookingRefunded  = "booking.refunded"
	RoutingBookingExpired   = "booking.expired"
	RoutingOpsAlert         = "ops.alert"
)

// NotificationRoutingKeys are the keys the notifier worker subscribes to.
var NotificationRoutingKeys = []string{
	RoutingBookingConfirmed,
	RoutingBookingCancelled,
	RoutingBookingRefunded,
	RoutingBookingExpired,
	RoutingOpsAlert,
}

// BookingEvent is published after a booking change commits. It carries
// enough for downstream consumers to notify the customer without querying
// the primary database.
type BookingEvent struct {
	MessageID     string `json:"message_id"`
	Type          string `json:"type"`
	BookingID     uint64 `json:"booking_id"`
	SlotID        uint64 `json:"slot_id"`
	CustomerID    uint64 `json:"customer_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	AmountCents   int64  `json:"amount_cents"`
	Date          string `json:"date"`
	StartsAt      string `json:"starts_at"`
	EndsAt        string `json:"ends_at"`
	Reason        string `json:"reason,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// NewBookingEvent snapshots b for routing key typ.
func NewBookingEvent(typ string, b *model.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		MessageID:     uuid.NewString(),
		Type:          typ,
		BookingID:     b.ID,
		SlotID:        b.SlotID,
		CustomerID:    b.CustomerID,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		AmountCents:   b.AmountCents,
		Date:          b.Date(),
		StartsAt:      b.StartsAt.UTC().Format(time.RFC3339),
		EndsAt:        b.EndsAt.UTC().Format(time.RFC3339),
		OccurredAt:    at.UTC().Format(time.RFC3339),
	}
	if b.CancelReason != nil {
		ev.Reason = *b.CancelReason
	}
	return ev
}

// AlertEvent asks an operator to look at something the service could not
// settle on its own, such as a payment for an unknown booking.
type AlertEvent struct {
	MessageID   string `json:"message_id"`
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	EventID     string `json:"event_id,omitempty"`
	EventType   string `json:"event_type,omitempty"`
	Environment string `json:"environment,omitempty"`
	BookingID   uint64 `json:"booking_id,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

// NewAlertEvent stamps an alert with a message id and time.
func NewAlertEvent(summary string, at time.Time) AlertEvent {
	return AlertEvent{
		MessageID:  uuid.NewString(),
		Type:       RoutingOpsAlert,
		Summary:    summary,
		OccurredAt: at.UTC().Format(time.RFC3339),
	}
}
