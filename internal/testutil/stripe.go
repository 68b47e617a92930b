package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// SignWebhook produces a Stripe-Signature header value for payload signed
// with secret at the current time.
func SignWebhook(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// StripeEvent renders a provider event envelope around object.
func StripeEvent(t testing.TB, id, typ string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

// CheckoutCompleted is a paid checkout.session.completed event.
func CheckoutCompleted(t testing.TB, eventID, sessionID, paymentIntent string, bookingID uint64) []byte {
	t.Helper()
	return StripeEvent(t, eventID, "checkout.session.completed", map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"payment_status":      "paid",
		"status":              "complete",
		"payment_intent":      paymentIntent,
		"client_reference_id": fmt.Sprint(bookingID),
		"metadata":            map[string]string{"booking_id": fmt.Sprint(bookingID)},
	})
}

// ChargeRefunded is a fully refunded charge.refunded event.
func ChargeRefunded(t testing.TB, eventID, paymentIntent string, bookingID uint64) []byte {
	t.Helper()
	meta := map[string]string{}
	if bookingID != 0 {
		meta["booking_id"] = fmt.Sprint(bookingID)
	}
	return StripeEvent(t, eventID, "charge.refunded", map[string]any{
		"id":             "ch_" + eventID,
		"object":         "charge",
		"refunded":       true,
		"payment_intent": paymentIntent,
		"metadata":       meta,
	})
}
