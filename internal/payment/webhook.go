package payment

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// NotificationKind is the booking-relevant meaning of a provider event.
type NotificationKind string

const (
	KindPaymentSucceeded NotificationKind = "payment_succeeded"
	KindPaymentFailed    NotificationKind = "payment_failed"
	KindRefunded         NotificationKind = "refunded"
	// KindIgnored events are acknowledged and recorded without effect.
	KindIgnored NotificationKind = "ignored"
)

// Notification is a verified provider event reduced to what the booking
// side needs. BookingID is zero when the event carried no booking
// reference; PaymentRef or CheckoutRef may still resolve it.
type Notification struct {
	EventID     string
	EventType   string
	Environment Environment
	Kind        NotificationKind
	BookingID   uint64
	PaymentRef  string
	CheckoutRef string
}

type signingSecret struct {
	env    Environment
	secret string
}

// Verifier checks webhook signatures against both environments' signing
// secrets, production first. It never looks at the EnvironmentRouter: an
// event created under either environment stays verifiable after the
// checkout mode has been switched.
type Verifier struct {
	secrets []signingSecret
}

// NewVerifier collects the configured webhook secrets.
func NewVerifier(creds CredentialSet) *Verifier {
	v := &Verifier{}
	if creds.Production.WebhookSecret != "" {
		v.secrets = append(v.secrets, signingSecret{Production, creds.Production.WebhookSecret})
	}
	if creds.Sandbox.WebhookSecret != "" {
		v.secrets = append(v.secrets, signingSecret{Sandbox, creds.Sandbox.WebhookSecret})
	}
	return v
}

// Verify authenticates payload against the signature header and decodes it.
// The Environment of the result is the one whose secret matched.
func (v *Verifier) Verify(payload []byte, sigHeader string) (*Notification, error) {
	for _, s := range v.secrets {
		ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.secret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			continue
		}
		n, err := decodeStripeEvent(ev)
		if err != nil {
			return nil, err
		}
		n.Environment = s.env
		return n, nil
	}
	return nil, ErrSignatureInvalid
}

func decodeStripeEvent(ev stripe.Event) (*Notification, error) {
	n := &Notification{EventID: ev.ID, EventType: string(ev.Type), Kind: KindIgnored}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if ev.Data == nil {
		return n, nil
	}
	raw := ev.Data.Raw

	switch ev.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		n.CheckoutRef = s.ID
		n.BookingID = bookingIDFrom(s.Metadata, s.ClientReferenceID)
		if s.PaymentIntent != nil {
			n.PaymentRef = s.PaymentIntent.ID
		}
		switch ev.Type {
		case "checkout.session.completed":
			// Delayed payment methods complete the session unpaid and
			// follow up with an async_payment event.
			if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
				n.Kind = KindPaymentSucceeded
			}
		case "checkout.session.async_payment_succeeded":
			n.Kind = KindPaymentSucceeded
		default:
			n.Kind = KindPaymentFailed
		}

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		n.PaymentRef = pi.ID
		n.BookingID = bookingIDFrom(pi.Metadata, "")
		n.Kind = KindPaymentSucceeded

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ch.PaymentIntent != nil {
			n.PaymentRef = ch.PaymentIntent.ID
		}
		n.BookingID = bookingIDFrom(ch.Metadata, "")
		// Partial refunds are not part of the booking model.
		if ch.Refunded {
			n.Kind = KindRefunded
		}
	}
	return n, nil
}

func bookingIDFrom(meta map[string]string, fallback string) uint64 {
	if id, err := strconv.ParseUint(meta[MetaBookingID], 10, 64); err == nil {
		return id
	}
	if id, err := strconv.ParseUint(fallback, 10, 64); err == nil {
		return id
	}
	return 0
}
