package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// Outcome is how a webhook event was settled. Every outcome except an error
// is acknowledged to the provider.
type Outcome string

const (
	// OutcomeProcessed: the event was applied (or was an exact repeat of a
	// state already reached) and recorded.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate: the event id was already in the ledger.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnresolved: no booking matches the event. An alert was raised.
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeMismatch: the matched booking belongs to another payment
	// environment or checkout than the event. Nothing changed and an alert
	// was raised.
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeStale: the booking already moved past the state the event
	// applies to, typically an out-of-order delivery.
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored: the event type has no effect on bookings.
	OutcomeIgnored Outcome = "ignored"
)

// Reconciler applies verified provider events to bookings exactly once. The
// ledger row and the booking change commit in one transaction; the ledger
// unique key settles concurrent deliveries of the same event.
type Reconciler struct {
	db       *sql.DB
	verifier EventVerifier
	bookings BookingStore
	ledger   EventLedger
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewReconciler panics on nil dependencies other than notifier.
func NewReconciler(db *sql.DB, verifier EventVerifier, bookings BookingStore, ledger EventLedger, notifier Notifier, log logrus.FieldLogger) *Reconciler {
	if db == nil || verifier == nil || bookings == nil || ledger == nil || log == nil {
		panic("nil dependency passed to NewReconciler")
	}
	return &Reconciler{db: db, verifier: verifier, bookings: bookings, ledger: ledger, notifier: notifier, log: log, now: time.Now}
}

// Handle verifies and applies one webhook delivery. A payload that fails
// verification returns payment.ErrSignatureInvalid and touches nothing.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	n, err := r.verifier.Verify(payload, sigHeader)
	if err != nil {
		return "", err
	}
	return r.Apply(ctx, n)
}

// effect is what a committed event asks to be published.
type effect struct {
	routingKey string
	message    any
}

// Apply settles a verified notification.
func (r *Reconciler) Apply(ctx context.Context, n *payment.Notification) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", n.EventID),
		attribute.String("event.type", n.EventType),
		attribute.String("payment.env", string(n.Environment)),
	)
	log := r.log.WithFields(logrus.Fields{
		"event_id":    n.EventID,
		"event_type":  n.EventType,
		"environment": n.Environment,
	})

	seen, err := r.ledger.Exists(ctx, n.EventID)
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	if seen {
		log.Debug("duplicate event")
		return OutcomeDuplicate, nil
	}

	var (
		outcome Outcome
		fx      []effect
		booking *model.Booking
	)
	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		outcome, booking, fx, err = r.dispatchTx(ctx, tx, n, log)
		if err != nil {
			return err
		}
		rec := &model.WebhookEvent{
			EventID:     n.EventID,
			EventType:   n.EventType,
			Environment: string(n.Environment),
			Outcome:     string(outcome),
			ProcessedAt: r.now(),
		}
		if booking != nil {
			id := booking.ID
			rec.BookingID = &id
		}
		return r.ledger.RecordTx(ctx, tx, rec)
	})
	if errors.Is(err, repository.ErrEventAlreadyProcessed) {
		log.Info("duplicate event lost the ledger race, rolled back")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		span.RecordError(err)
		log.WithError(err).Error("webhook reconciliation failed")
		return "", err
	}

	for _, e := range fx {
		publish(ctx, r.notifier, log, e.routingKey, e.message)
	}
	if booking != nil {
		log = log.WithFields(bookingFields(booking))
	}
	log.WithField("outcome", outcome).Info("webhook event settled")
	return outcome, nil
}

// dispatchTx resolves the booking and applies the transition for n. A
// booking that cannot be found or a transition the booking has already
// moved past are settled outcomes, not errors, so the event is recorded
// and acknowledged.
func (r *Reconciler) dispatchTx(ctx context.Context, tx *sql.Tx, n *payment.Notification, log logrus.FieldLogger) (Outcome, *model.Booking, []effect, error) {
	if n.Kind == payment.KindIgnored {
		return OutcomeIgnored, nil, nil, nil
	}

	b, err := r.resolveTx(ctx, tx, n)
	if errors.Is(err, repository.ErrBookingNotFound) {
		log.WithFields(logrus.Fields{
			"alert":       true,
			"booking_ref": n.BookingID,
			"payment_ref": n.PaymentRef,
		}).Error("webhook event matches no booking")
		return OutcomeUnresolved, nil, []effect{r.alert(n, 0, "provider event matches no booking")}, nil
	}
	if err != nil {
		return "", nil, nil, err
	}
	if reason := mismatch(n, b); reason != "" {
		log.WithFields(bookingFields(b)).WithFields(logrus.Fields{
			"alert":        true,
			"booking_env":  b.PaymentEnv,
			"checkout_ref": n.CheckoutRef,
		}).Error(reason)
		return OutcomeMismatch, b, []effect{r.alert(n, b.ID, reason)}, nil
	}

	now := r.now()
	switch n.Kind {
	case payment.KindPaymentSucceeded:
		if n.PaymentRef == "" {
			log.WithField("alert", true).Error("payment event without payment reference")
			return OutcomeUnresolved, b, []effect{r.alert(n, b.ID, "payment event without payment reference")}, nil
		}
		nb, changed, err := r.bookings.MarkConfirmedTx(ctx, tx, b.ID, n.PaymentRef, now)
		if errors.Is(err, repository.ErrInvalidTransition) {
			return r.stale(n, nb, log, err)
		}
		if err != nil {
			return "", nil, nil, err
		}
		if !changed {
			return OutcomeProcessed, nb, nil, nil
		}
		return OutcomeProcessed, nb, []effect{{queue.RoutingBookingConfirmed, queue.NewBookingEvent(queue.RoutingBookingConfirmed, nb, now)}}, nil

	case payment.KindPaymentFailed:
		reason, key := ReasonPaymentFailed, queue.RoutingBookingCancelled
		if n.EventType == "checkout.session.expired" {
			reason, key = ReasonCheckoutExpired, queue.RoutingBookingExpired
		}
		nb, err := r.bookings.MarkFailedTx(ctx, tx, b.ID, reason, now)
		if errors.Is(err, repository.ErrInvalidTransition) {
			return r.stale(n, nb, log, err)
		}
		if err != nil {
			return "", nil, nil, err
		}
		return OutcomeProcessed, nb, []effect{{key, queue.NewBookingEvent(key, nb, now)}}, nil

	case payment.KindRefunded:
		var nb *model.Booking
		if b.Status == model.BookingCompleted || b.Status == model.BookingCancelled {
			nb, err = r.bookings.MarkRefundedTx(ctx, tx, b.ID, now)
		} else {
			// Includes a refund that overtakes the payment success event:
			// the pending booking is cancelled so the late success cannot
			// confirm it.
			nb, err = r.bookings.MarkCancelledTx(ctx, tx, b.ID, ReasonRefunded, repository.SettleRefunded, now)
		}
		if errors.Is(err, repository.ErrInvalidTransition) {
			return r.stale(n, nb, log, err)
		}
		if err != nil {
			return "", nil, nil, err
		}
		return OutcomeProcessed, nb, []effect{{queue.RoutingBookingRefunded, queue.NewBookingEvent(queue.RoutingBookingRefunded, nb, now)}}, nil
	}
	return OutcomeIgnored, b, nil, nil
}

func (r *Reconciler) resolveTx(ctx context.Context, tx *sql.Tx, n *payment.Notification) (*model.Booking, error) {
	if n.BookingID != 0 {
		b, err := r.bookings.GetByIDTx(ctx, tx, n.BookingID)
		if !errors.Is(err, repository.ErrBookingNotFound) {
			return b, err
		}
	}
	if n.PaymentRef != "" {
		b, err := r.bookings.FindByPaymentRefTx(ctx, tx, n.PaymentRef)
		if !errors.Is(err, repository.ErrBookingNotFound) {
			return b, err
		}
	}
	if n.CheckoutRef != "" {
		return r.bookings.FindByCheckoutRefTx(ctx, tx, n.CheckoutRef)
	}
	return nil, repository.ErrBookingNotFound
}

// mismatch reports why a verified event must not touch b, or "" when it may.
// The environment whose secret verified the event has to be the one the
// booking's checkout was opened in, and a checkout event has to name the
// booking's own checkout.
func mismatch(n *payment.Notification, b *model.Booking) string {
	if b.PaymentEnv != "" && string(n.Environment) != b.PaymentEnv {
		return "event environment does not match booking payment environment"
	}
	if n.CheckoutRef != "" && b.ExternalCheckoutRef != nil && *b.ExternalCheckoutRef != n.CheckoutRef {
		return "event checkout does not match booking checkout"
	}
	return ""
}

// stale settles an event whose transition the booking no longer allows.
// Money captured for a booking that was cancelled without a refund needs
// an operator, so that case also raises an alert.
func (r *Reconciler) stale(n *payment.Notification, b *model.Booking, log logrus.FieldLogger, cause error) (Outcome, *model.Booking, []effect, error) {
	log = log.WithFields(bookingFields(b)).WithField("payment_status", b.PaymentStatus)
	if n.Kind == payment.KindPaymentSucceeded && b.Status == model.BookingCancelled && b.PaymentStatus != model.PaymentRefunded {
		log.WithError(cause).WithField("alert", true).Error("payment captured for cancelled booking, refund required")
		a := r.alert(n, b.ID, "payment captured for cancelled booking, refund required")
		return OutcomeStale, b, []effect{a}, nil
	}
	log.WithError(cause).Warn("late webhook event acknowledged without change")
	return OutcomeStale, b, nil, nil
}

func (r *Reconciler) alert(n *payment.Notification, bookingID uint64, summary string) effect {
	a := queue.NewAlertEvent(summary, r.now())
	a.EventID = n.EventID
	a.EventType = n.EventType
	a.Environment = string(n.Environment)
	a.PaymentRef = n.PaymentRef
	a.BookingID = bookingID
	if a.BookingID == 0 {
		a.BookingID = n.BookingID
	}
	return effect{queue.RoutingOpsAlert, a}
}
