// Package service holds the booking workflows: reserving a slot and opening
// a checkout, reconciling provider webhooks, refunds and cancellations, and
// expiring abandoned checkouts. Every workflow changes slots and bookings
// through guarded transactional store calls and publishes notifications
// only after commit.
package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/repository"
)

var tracer = otel.Tracer("github.com/iliyamo/slot-booking/internal/service")

var (
	// ErrNotPaid means there is no captured payment to refund.
	ErrNotPaid = errors.New("booking has no captured payment")
	// ErrAlreadyRefunded means the booking's payment was already refunded.
	ErrAlreadyRefunded = errors.New("booking already refunded")
)

// Cancel reasons stored on bookings.
const (
	ReasonCheckoutFailed  = "checkout_creation_failed"
	ReasonCheckoutExpired = "checkout_expired"
	ReasonPaymentFailed   = "payment_failed"
	ReasonRefunded        = "refunded"
)

// SlotStore is the capacity side of the slot repository.
type SlotStore interface {
	ReserveTx(ctx context.Context, tx *sql.Tx, slotID uint64, now time.Time) (*model.Slot, error)
	ReleaseTx(ctx context.Context, tx *sql.Tx, slotID uint64, now time.Time) error
}

// BookingStore is the booking state machine.
type BookingStore interface {
	CreatePendingTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error
	GetByID(ctx context.Context, id uint64) (*model.Booking, error)
	GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error)
	FindByPaymentRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Booking, error)
	FindByCheckoutRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Booking, error)
	SetCheckoutRef(ctx context.Context, id uint64, ref string) error
	MarkConfirmedTx(ctx context.Context, tx *sql.Tx, id uint64, paymentRef string, now time.Time) (*model.Booking, bool, error)
	MarkFailedTx(ctx context.Context, tx *sql.Tx, id uint64, reason string, now time.Time) (*model.Booking, error)
	MarkCancelledTx(ctx context.Context, tx *sql.Tx, id uint64, reason string, settle repository.CancelSettlement, now time.Time) (*model.Booking, error)
	MarkCompletedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (*model.Booking, error)
	MarkRefundedTx(ctx context.Context, tx *sql.Tx, id uint64, now time.Time) (*model.Booking, error)
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]model.Booking, error)
}

// EventLedger records processed webhook events.
type EventLedger interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	RecordTx(ctx context.Context, tx *sql.Tx, ev *model.WebhookEvent) error
}

// Notifier publishes a message under a routing key.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, v any) error
}

// Checkout opens hosted checkouts.
type Checkout interface {
	Environment() payment.Environment
	Build(ctx context.Context, env payment.Environment, d payment.CheckoutDraft, split *payment.RevenueSplit) (*payment.CheckoutSession, error)
}

// EventVerifier authenticates and decodes webhook payloads.
type EventVerifier interface {
	Verify(payload []byte, sigHeader string) (*payment.Notification, error)
}

// publish sends v after commit. Failures are logged and never undo the
// committed change. The request context may already be done, so a detached
// one is used.
func publish(ctx context.Context, n Notifier, log logrus.FieldLogger, key string, v any) {
	if n == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := n.Publish(pctx, key, v); err != nil {
		log.WithError(err).WithField("routing_key", key).Warn("notification publish failed")
	}
}

func bookingFields(b *model.Booking) logrus.Fields {
	return logrus.Fields{
		"booking_id": b.ID,
		"slot_id":    b.SlotID,
		"status":     b.Status,
	}
}
