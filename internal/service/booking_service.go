package service

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/payment"
)

// BookingService runs the reservation flow: claim a place, create the
// pending booking, open a checkout.
type BookingService struct {
	db       *sql.DB
	slots    SlotStore
	bookings BookingStore
	checkout Checkout
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewBookingService panics on nil dependencies other than notifier.
func NewBookingService(db *sql.DB, slots SlotStore, bookings BookingStore, checkout Checkout, notifier Notifier, log logrus.FieldLogger) *BookingService {
	if db == nil || slots == nil || bookings == nil || checkout == nil || log == nil {
		panic("nil dependency passed to NewBookingService")
	}
	return &BookingService{db: db, slots: slots, bookings: bookings, checkout: checkout, notifier: notifier, log: log, now: time.Now}
}

// ReserveRequest is a customer's request for one place on a slot. The
// price and any payout split come from the slot, never from the customer.
type ReserveRequest struct {
	SlotID        uint64
	CustomerID    uint64
	ServiceID     *uint64
	ServiceName   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// Reservation is a pending booking and the page where it can be paid.
type Reservation struct {
	Booking     *model.Booking
	RedirectURL string
}

// Reserve claims a place and opens a checkout for it. The place and the
// pending booking are written in one transaction; if the checkout cannot
// be created the booking is failed and the place released before the
// error is returned.
func (s *BookingService) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "booking.reserve")
	defer span.End()
	span.SetAttributes(attribute.Int64("slot.id", int64(req.SlotID)))

	b := &model.Booking{
		SlotID:     req.SlotID,
		CustomerID: req.CustomerID,
		ServiceID:  req.ServiceID,
	}
	env := s.checkout.Environment()
	b.PaymentEnv = string(env)

	var split *payment.RevenueSplit
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		slot, err := s.slots.ReserveTx(ctx, tx, req.SlotID, s.now())
		if err != nil {
			return err
		}
		if split, err = slotTerms(slot, b); err != nil {
			return err
		}
		b.StartsAt = slot.StartsAt
		b.EndsAt = slot.EndsAt
		b.DurationMinutes = slot.DurationMinutes()
		if b.ServiceID == nil {
			b.ServiceID = slot.ServiceID
		}
		return s.bookings.CreatePendingTx(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(bookingFields(b)).WithField("payment_env", env)
	span.SetAttributes(attribute.Int64("booking.id", int64(b.ID)))

	session, err := s.checkout.Build(ctx, env, payment.CheckoutDraft{
		BookingID:     b.ID,
		CustomerID:    b.CustomerID,
		SlotID:        b.SlotID,
		ServiceName:   req.ServiceName,
		AmountCents:   b.AmountCents,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	}, split)
	if err != nil {
		log.WithError(err).Warn("checkout creation failed, releasing reservation")
		s.abandon(ctx, b.ID, log)
		return nil, err
	}

	if err := s.bookings.SetCheckoutRef(ctx, b.ID, session.ExternalCheckoutRef); err != nil {
		// The webhook still finds the booking through its metadata.
		log.WithError(err).WithField("checkout_ref", session.ExternalCheckoutRef).Error("store checkout ref failed")
	} else {
		ref := session.ExternalCheckoutRef
		b.ExternalCheckoutRef = &ref
	}
	log.Info("booking pending payment")
	return &Reservation{Booking: b, RedirectURL: session.RedirectURL}, nil
}

// slotTerms copies the slot's price onto b and returns the payout split the
// slot carries, if any.
func slotTerms(slot *model.Slot, b *model.Booking) (*payment.RevenueSplit, error) {
	if slot.PriceCents <= 0 {
		return nil, payment.ErrInvalidAmount
	}
	b.AmountCents = slot.PriceCents
	if slot.PayeeAccountRef == nil {
		if slot.PayeeSharePercent != 0 {
			return nil, payment.ErrInvalidSplit
		}
		return nil, nil
	}
	if strings.TrimSpace(*slot.PayeeAccountRef) == "" {
		return nil, payment.ErrInvalidSplit
	}
	split := &payment.RevenueSplit{PayeeAccountRef: *slot.PayeeAccountRef, PayeeSharePercent: slot.PayeeSharePercent}
	if err := split.Validate(); err != nil {
		return nil, err
	}
	fee, _ := split.Amounts(b.AmountCents)
	payee := split.PayeeAccountRef
	b.PlatformFeeCents = &fee
	b.PayeeAccountRef = &payee
	return split, nil
}

// abandon fails a booking whose checkout could not be created. It runs on a
// detached context so a cancelled request still gives the place back; if
// it fails anyway the expiry sweep releases the place later.
func (s *BookingService) abandon(ctx context.Context, id uint64, log logrus.FieldLogger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := database.WithTx(cctx, s.db, func(tx *sql.Tx) error {
		_, err := s.bookings.MarkFailedTx(cctx, tx, id, ReasonCheckoutFailed, s.now())
		return err
	})
	if err != nil {
		log.WithError(err).WithField("alert", true).Error("release after checkout failure failed, left for expiry sweep")
	}
}

// Get returns a booking.
func (s *BookingService) Get(ctx context.Context, id uint64) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

// Complete marks a confirmed booking as having taken place.
func (s *BookingService) Complete(ctx context.Context, id uint64) (*model.Booking, error) {
	var b *model.Booking
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		b, err = s.bookings.MarkCompletedTx(ctx, tx, id, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(bookingFields(b)).Info("booking completed")
	return b, nil
}
