package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/obs"
)

func TestHandleWritesNotificationLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "notifications.log")
	c := &NotificationConsumer{LogPath: path, Log: obs.Discard()}

	start := time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC)
	reason := "checkout_expired"
	b := &model.Booking{
		ID: 12, SlotID: 3, CustomerID: 44, AmountCents: 10000,
		Status: model.BookingCancelled, PaymentStatus: model.PaymentFailed,
		StartsAt: start, EndsAt: start.Add(time.Hour), CancelReason: &reason,
	}
	body, err := json.Marshal(NewBookingEvent(RoutingBookingExpired, b, start))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Handle(RoutingBookingExpired, body); err != nil {
		t.Fatalf("handle booking event: %v", err)
	}

	alert := NewAlertEvent("payment captured for cancelled booking, refund required", start)
	alert.BookingID = 12
	alert.EventID = "evt_1"
	body, _ = json.Marshal(alert)
	if err := c.Handle(RoutingOpsAlert, body); err != nil {
		t.Fatalf("handle alert: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	for _, want := range []string{"Booking expired", "booking_id=12", "date=2026-11-02", `reason="checkout_expired"`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("booking line %q missing %q", lines[0], want)
		}
	}
	if !strings.Contains(lines[1], "OPS ALERT") || !strings.Contains(lines[1], "event_id=evt_1") {
		t.Errorf("alert line = %q", lines[1])
	}
}

func TestHandleRejectsUnknownMessages(t *testing.T) {
	c := &NotificationConsumer{LogPath: filepath.Join(t.TempDir(), "n.log"), Log: obs.Discard()}
	if err := c.Handle("booking.unknown", []byte(`{}`)); err == nil {
		t.Fatal("unknown routing key accepted")
	}
	if err := c.Handle(RoutingBookingConfirmed, []byte(`not json`)); err == nil {
		t.Fatal("bad body accepted")
	}
}
