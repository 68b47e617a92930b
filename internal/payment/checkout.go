package payment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	validate = validator.New()
	tracer   = otel.Tracer("github.com/iliyamo/slot-booking/internal/payment")
)

// RevenueSplit routes part of one payment to a secondary payee. The payee
// receives PayeeSharePercent of the amount; the platform keeps the rest as
// an application fee.
type RevenueSplit struct {
	PayeeAccountRef   string `json:"payee_account_ref" validate:"required"`
	PayeeSharePercent int    `json:"payee_share_percent" validate:"min=0,max=100"`
}

// Validate checks the payee reference and the percentage range.
func (s RevenueSplit) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	return nil
}

// Amounts splits total into the platform fee and the payee transfer. The
// payee share is rounded down, so odd cents stay with the platform, and the
// two parts always add up to total.
func (s RevenueSplit) Amounts(total int64) (platformFee, payeeTransfer int64) {
	payeeTransfer = total * int64(s.PayeeSharePercent) / 100
	return total - payeeTransfer, payeeTransfer
}

// CheckoutDraft is the booking-side input of a checkout.
type CheckoutDraft struct {
	BookingID     uint64
	CustomerID    uint64
	SlotID        uint64
	ServiceName   string
	AmountCents   int64
	CustomerEmail string
	SuccessURL    string // optional override
	CancelURL     string // optional override
}

// CheckoutSession is what the customer is redirected to.
type CheckoutSession struct {
	RedirectURL         string
	ExternalCheckoutRef string
	Environment         Environment
	PlatformFeeCents    int64
	PayeeTransferCents  int64
}

// CheckoutOptions configures a CheckoutBuilder.
type CheckoutOptions struct {
	Currency   string
	SuccessURL string
	CancelURL  string
	// Timeout bounds each provider call.
	Timeout time.Duration
	// SessionTTL, when positive, makes the hosted page expire after it.
	SessionTTL time.Duration
}

// CheckoutBuilder turns a pending booking into a hosted checkout session.
// The credential environment comes from the EnvironmentRouter; callers read
// it once through Environment and pass it to Build, so a booking and its
// checkout always agree.
type CheckoutBuilder struct {
	provider Provider
	router   *EnvironmentRouter
	opts     CheckoutOptions
	now      func() time.Time
}

// NewCheckoutBuilder panics on nil dependencies.
func NewCheckoutBuilder(p Provider, router *EnvironmentRouter, opts CheckoutOptions) *CheckoutBuilder {
	if p == nil || router == nil {
		panic("nil dependency passed to NewCheckoutBuilder")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &CheckoutBuilder{provider: p, router: router, opts: opts, now: time.Now}
}

// Environment reads the router's current mode.
func (b *CheckoutBuilder) Environment() Environment { return b.router.Mode() }

// CheckoutIdempotencyKey is the provider idempotency key for a booking's
// checkout session.
func CheckoutIdempotencyKey(bookingID uint64) string {
	return fmt.Sprintf("checkout-booking-%d", bookingID)
}

// Build creates the hosted checkout for d under env. split may be nil.
// Any failure is reported as ErrCheckoutCreationFailed; nothing is retried.
func (b *CheckoutBuilder) Build(ctx context.Context, env Environment, d CheckoutDraft, split *RevenueSplit) (*CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "payment.checkout.build")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("booking.id", int64(d.BookingID)),
		attribute.String("payment.env", string(env)),
		attribute.Bool("payment.split", split != nil),
	)

	req, fee, transfer, err := b.request(env, d, split)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrCheckoutCreationFailed, err)
	}

	cctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	ps, err := b.provider.CreateCheckoutSession(cctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider rejected checkout")
		return nil, fmt.Errorf("%w: %w", ErrCheckoutCreationFailed, err)
	}
	if ps.ID == "" || ps.URL == "" {
		return nil, fmt.Errorf("%w: provider returned an empty session", ErrCheckoutCreationFailed)
	}
	return &CheckoutSession{
		RedirectURL:         ps.URL,
		ExternalCheckoutRef: ps.ID,
		Environment:         env,
		PlatformFeeCents:    fee,
		PayeeTransferCents:  transfer,
	}, nil
}

func (b *CheckoutBuilder) request(env Environment, d CheckoutDraft, split *RevenueSplit) (CheckoutRequest, int64, int64, error) {
	if env != Production && env != Sandbox {
		return CheckoutRequest{}, 0, 0, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	if d.AmountCents <= 0 {
		return CheckoutRequest{}, 0, 0, ErrInvalidAmount
	}
	name := d.ServiceName
	if name == "" {
		name = "Session booking"
	}
	success, cancel := d.SuccessURL, d.CancelURL
	if success == "" {
		success = b.opts.SuccessURL
	}
	if cancel == "" {
		cancel = b.opts.CancelURL
	}
	bookingID := strconv.FormatUint(d.BookingID, 10)
	req := CheckoutRequest{
		Environment:     env,
		IdempotencyKey:  CheckoutIdempotencyKey(d.BookingID),
		ProductName:     name,
		AmountCents:     d.AmountCents,
		Currency:        b.opts.Currency,
		CustomerEmail:   d.CustomerEmail,
		SuccessURL:      success,
		CancelURL:       cancel,
		ClientReference: bookingID,
		Metadata: map[string]string{
			MetaBookingID:  bookingID,
			MetaCustomerID: strconv.FormatUint(d.CustomerID, 10),
			MetaSlotID:     strconv.FormatUint(d.SlotID, 10),
		},
	}
	if b.opts.SessionTTL > 0 {
		req.ExpiresAt = b.now().Add(b.opts.SessionTTL)
	}
	var fee, transfer int64
	if split != nil {
		if err := split.Validate(); err != nil {
			return CheckoutRequest{}, 0, 0, err
		}
		fee, transfer = split.Amounts(d.AmountCents)
		req.ApplicationFeeCents = fee
		req.TransferDestination = split.PayeeAccountRef
	}
	return req, fee, transfer, nil
}

// Metadata keys attached to checkout sessions and payments.
const (
	MetaBookingID  = "booking_id"
	MetaCustomerID = "customer_id"
	MetaSlotID     = "slot_id"
)
