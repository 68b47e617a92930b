package payment

import (
	"errors"
	"testing"

	"github.com/iliyamo/slot-booking/internal/testutil"
)

const (
	liveSecret = "whsec_live_123"
	testSecret = "whsec_test_456"
)

func newVerifier() *Verifier {
	return NewVerifier(CredentialSet{
		Production: Credentials{SecretKey: "sk_live", WebhookSecret: liveSecret},
		Sandbox:    Credentials{SecretKey: "sk_test", WebhookSecret: testSecret},
	})
}

func TestVerifyAcceptsEitherEnvironment(t *testing.T) {
	v := newVerifier()
	payload := testutil.CheckoutCompleted(t, "evt_1", "cs_1", "pi_1", 42)

	tests := []struct {
		secret string
		want   Environment
	}{
		{liveSecret, Production},
		{testSecret, Sandbox},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			n, err := v.Verify(payload, testutil.SignWebhook(payload, tt.secret))
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if n.Environment != tt.want {
				t.Fatalf("environment = %s, want %s", n.Environment, tt.want)
			}
			if n.Kind != KindPaymentSucceeded || n.BookingID != 42 || n.PaymentRef != "pi_1" || n.CheckoutRef != "cs_1" {
				t.Fatalf("unexpected notification %+v", n)
			}
		})
	}
}

func TestVerifyRejectsUnknownSignature(t *testing.T) {
	v := newVerifier()
	payload := testutil.CheckoutCompleted(t, "evt_1", "cs_1", "pi_1", 42)

	if _, err := v.Verify(payload, testutil.SignWebhook(payload, "whsec_other")); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if _, err := v.Verify(payload, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("empty header err = %v, want ErrSignatureInvalid", err)
	}
	tampered := append([]byte{}, payload...)
	sig := testutil.SignWebhook(payload, liveSecret)
	tampered[len(tampered)-2] = ' '
	if _, err := v.Verify(tampered, sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("tampered err = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerifyWithSingleSecret(t *testing.T) {
	v := NewVerifier(CredentialSet{Sandbox: Credentials{WebhookSecret: testSecret}})
	payload := testutil.CheckoutCompleted(t, "evt_1", "cs_1", "pi_1", 1)
	if _, err := v.Verify(payload, testutil.SignWebhook(payload, liveSecret)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if _, err := v.Verify(payload, testutil.SignWebhook(payload, testSecret)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDecodeEventKinds(t *testing.T) {
	v := newVerifier()
	tests := []struct {
		name   string
		typ    string
		object map[string]any
		kind   NotificationKind
		ref    string
		id     uint64
	}{
		{
			name: "unpaid session completion waits for async result",
			typ:  "checkout.session.completed",
			object: map[string]any{"id": "cs_2", "object": "checkout.session", "payment_status": "unpaid",
				"metadata": map[string]string{"booking_id": "5"}},
			kind: KindIgnored, id: 5,
		},
		{
			name: "async success",
			typ:  "checkout.session.async_payment_succeeded",
			object: map[string]any{"id": "cs_3", "object": "checkout.session", "payment_status": "paid",
				"payment_intent": "pi_3", "client_reference_id": "6"},
			kind: KindPaymentSucceeded, ref: "pi_3", id: 6,
		},
		{
			name:   "session expired",
			typ:    "checkout.session.expired",
			object: map[string]any{"id": "cs_4", "object": "checkout.session", "metadata": map[string]string{"booking_id": "7"}},
			kind:   KindPaymentFailed, id: 7,
		},
		{
			name:   "async failure",
			typ:    "checkout.session.async_payment_failed",
			object: map[string]any{"id": "cs_5", "object": "checkout.session", "metadata": map[string]string{"booking_id": "8"}},
			kind:   KindPaymentFailed, id: 8,
		},
		{
			name:   "payment intent success",
			typ:    "payment_intent.succeeded",
			object: map[string]any{"id": "pi_9", "object": "payment_intent", "metadata": map[string]string{"booking_id": "9"}},
			kind:   KindPaymentSucceeded, ref: "pi_9", id: 9,
		},
		{
			name:   "full refund",
			typ:    "charge.refunded",
			object: map[string]any{"id": "ch_1", "object": "charge", "refunded": true, "payment_intent": "pi_10"},
			kind:   KindRefunded, ref: "pi_10",
		},
		{
			name:   "partial refund ignored",
			typ:    "charge.refunded",
			object: map[string]any{"id": "ch_2", "object": "charge", "refunded": false, "payment_intent": "pi_11"},
			kind:   KindIgnored, ref: "pi_11",
		},
		{
			name:   "declined attempt keeps session open",
			typ:    "payment_intent.payment_failed",
			object: map[string]any{"id": "pi_12", "object": "payment_intent"},
			kind:   KindIgnored,
		},
		{
			name:   "unrelated type",
			typ:    "customer.created",
			object: map[string]any{"id": "cus_1", "object": "customer"},
			kind:   KindIgnored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := testutil.StripeEvent(t, "evt_"+tt.name, tt.typ, tt.object)
			n, err := v.Verify(payload, testutil.SignWebhook(payload, testSecret))
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if n.Kind != tt.kind || n.PaymentRef != tt.ref || n.BookingID != tt.id {
				t.Fatalf("got kind=%s ref=%q id=%d, want kind=%s ref=%q id=%d", n.Kind, n.PaymentRef, n.BookingID, tt.kind, tt.ref, tt.id)
			}
			if n.EventType != tt.typ {
				t.Fatalf("event type = %q", n.EventType)
			}
		})
	}
}
