package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// RefundCoordinator refunds paid bookings and runs staff cancellations.
// The provider refund is keyed by booking id, so repeating a refund after a
// local failure never moves money twice.
type RefundCoordinator struct {
	db       *sql.DB
	bookings BookingStore
	provider payment.Provider
	timeout  time.Duration
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewRefundCoordinator panics on nil dependencies other than notifier.
func NewRefundCoordinator(db *sql.DB, bookings BookingStore, provider payment.Provider, timeout time.Duration, notifier Notifier, log logrus.FieldLogger) *RefundCoordinator {
	if db == nil || bookings == nil || provider == nil || log == nil {
		panic("nil dependency passed to NewRefundCoordinator")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RefundCoordinator{db: db, bookings: bookings, provider: provider, timeout: timeout, notifier: notifier, log: log, now: time.Now}
}

// RefundIdempotencyKey is the provider idempotency key for a booking refund.
func RefundIdempotencyKey(bookingID uint64) string {
	return fmt.Sprintf("refund-booking-%d", bookingID)
}

// Refund returns the full payment of a booking. A confirmed booking is
// cancelled and its place released; a completed (or already cancelled)
// booking keeps its status and only its payment is marked refunded.
func (c *RefundCoordinator) Refund(ctx context.Context, bookingID uint64) (*model.Booking, error) {
	b, err := c.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return c.refund(ctx, b, ReasonRefunded)
}

// Cancel is the staff cancellation entry point. A pending booking is
// cancelled directly. A paid booking is refunded first unless waiveRefund
// is set, in which case the money is kept and the cancellation records the
// waiver.
func (c *RefundCoordinator) Cancel(ctx context.Context, bookingID uint64, reason string, waiveRefund bool) (*model.Booking, error) {
	if reason == "" {
		reason = "cancelled_by_staff"
	}
	b, err := c.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case model.BookingPendingPayment:
		return c.cancelTx(ctx, b.ID, reason, repository.SettleNone)
	case model.BookingConfirmed:
		if waiveRefund {
			return c.cancelTx(ctx, b.ID, reason, repository.SettleWaived)
		}
		return c.refund(ctx, b, reason)
	default:
		return nil, fmt.Errorf("%w: cannot cancel a %s booking", repository.ErrInvalidTransition, b.Status)
	}
}

func (c *RefundCoordinator) cancelTx(ctx context.Context, id uint64, reason string, settle repository.CancelSettlement) (*model.Booking, error) {
	var out *model.Booking
	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		out, err = c.bookings.MarkCancelledTx(ctx, tx, id, reason, settle, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(bookingFields(out)).WithField("refund_waived", out.RefundWaived)
	log.Info("booking cancelled")
	publish(ctx, c.notifier, log, queue.RoutingBookingCancelled, queue.NewBookingEvent(queue.RoutingBookingCancelled, out, c.now()))
	return out, nil
}

func (c *RefundCoordinator) refund(ctx context.Context, b *model.Booking, reason string) (*model.Booking, error) {
	ctx, span := tracer.Start(ctx, "booking.refund")
	defer span.End()
	span.SetAttributes(attribute.Int64("booking.id", int64(b.ID)))

	switch b.PaymentStatus {
	case model.PaymentRefunded:
		return nil, ErrAlreadyRefunded
	case model.PaymentPaid:
	default:
		return nil, ErrNotPaid
	}
	if b.ExternalPaymentRef == nil || *b.ExternalPaymentRef == "" {
		return nil, fmt.Errorf("%w: booking %d has no payment reference", ErrNotPaid, b.ID)
	}
	log := c.log.WithFields(bookingFields(b)).WithField("payment_env", b.PaymentEnv)

	// Refunds use the credentials the payment was taken with, not the
	// current checkout mode.
	env, err := payment.ParseEnvironment(b.PaymentEnv)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err = c.provider.CreateRefund(pctx, payment.RefundRequest{
		Environment:     env,
		PaymentRef:      *b.ExternalPaymentRef,
		IdempotencyKey:  RefundIdempotencyKey(b.ID),
		ReverseTransfer: b.PayeeAccountRef != nil,
		Metadata:        map[string]string{payment.MetaBookingID: strconv.FormatUint(b.ID, 10)},
	})
	switch {
	case errors.Is(err, payment.ErrRefundAlreadyIssued):
		log.Warn("provider reports payment already refunded, settling locally")
	case err != nil:
		span.RecordError(err)
		log.WithError(err).Error("provider refund failed")
		return nil, err
	}

	out, err := c.settleTx(ctx, b, reason)
	if err != nil {
		// The money is back with the customer; retrying Refund replays the
		// same provider refund and settles again.
		log.WithError(err).WithField("alert", true).Error("refund issued but local settlement failed")
		return nil, err
	}
	log.Info("booking refunded")
	publish(ctx, c.notifier, log, queue.RoutingBookingRefunded, queue.NewBookingEvent(queue.RoutingBookingRefunded, out, c.now()))
	return out, nil
}

func (c *RefundCoordinator) settleTx(ctx context.Context, b *model.Booking, reason string) (*model.Booking, error) {
	var out *model.Booking
	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		now := c.now()
		if b.Status == model.BookingConfirmed {
			out, err = c.bookings.MarkCancelledTx(ctx, tx, b.ID, reason, repository.SettleRefunded, now)
		} else {
			out, err = c.bookings.MarkRefundedTx(ctx, tx, b.ID, now)
		}
		if errors.Is(err, repository.ErrInvalidTransition) && out != nil && out.PaymentStatus == model.PaymentRefunded {
			// The refund webhook got here first.
			return nil
		}
		return err
	})
	return out, err
}
