package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/testutil"
)

func TestRefundCancelsAndReopensSlot(t *testing.T) {
	h := newHarness(t)
	slot := testutil.OpenSlot(t, h.db, 1, 1)
	b := h.reserve(t, slot.ID, 1)
	h.pay(t, b, "evt_pay")
	if s := h.slot(t, slot.ID); s.Active {
		t.Fatal("full slot still active")
	}

	got, err := h.refunds.Refund(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != model.BookingCancelled || got.PaymentStatus != model.PaymentRefunded {
		t.Fatalf("after refund = %s/%s", got.Status, got.PaymentStatus)
	}
	s := h.slot(t, slot.ID)
	if s.Reserved != 0 || !s.Active {
		t.Fatalf("slot after refund reserved=%d active=%v", s.Reserved, s.Active)
	}

	if len(h.provider.refunds) != 1 {
		t.Fatalf("provider refunds = %d", len(h.provider.refunds))
	}
	req := h.provider.refunds[0]
	if req.IdempotencyKey != RefundIdempotencyKey(b.ID) || req.Environment != payment.Sandbox {
		t.Fatalf("refund request = %+v", req)
	}
	if req.PaymentRef != fmt.Sprintf("pi_%d", b.ID) {
		t.Fatalf("payment ref = %s", req.PaymentRef)
	}
	if c := h.notifier.count(queue.RoutingBookingRefunded); c != 1 {
		t.Fatalf("refunded notifications = %d", c)
	}

	if _, err := h.refunds.Refund(context.Background(), b.ID); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("second refund err = %v", err)
	}

	// The provider's own refund event arrives afterwards and changes nothing.
	ev := testutil.ChargeRefunded(t, "evt_refund", fmt.Sprintf("pi_%d", b.ID), b.ID)
	if out := h.deliver(t, ev, sandboxSecret); out != OutcomeStale {
		t.Fatalf("refund webhook outcome = %s", out)
	}
	if s := h.slot(t, slot.ID); s.Reserved != 0 {
		t.Fatalf("double release: reserved=%d", s.Reserved)
	}
}

func TestRefundUsesPaymentEnvironment(t *testing.T) {
	h := newHarness(t)
	b := h.reserve(t, testutil.OpenSlot(t, h.db, 1, 1).ID, 1)
	h.pay(t, b, "evt_pay")

	// Switching checkout mode does not move refunds of earlier payments.
	h.checkout.env = payment.Production
	if _, err := h.refunds.Refund(context.Background(), b.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if env := h.provider.refunds[0].Environment; env != payment.Sandbox {
		t.Fatalf("refund environment = %s", env)
	}
}

func TestRefundCompletedKeepsStatus(t *testing.T) {
	h := newHarness(t)
	slot := testutil.OpenSlot(t, h.db, 1, 1)
	b := h.reserve(t, slot.ID, 1)
	h.pay(t, b, "evt_pay")
	if _, err := h.svc.Complete(context.Background(), b.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := h.refunds.Refund(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.Status != model.BookingCompleted || got.PaymentStatus != model.PaymentRefunded {
		t.Fatalf("after refund = %s/%s", got.Status, got.PaymentStatus)
	}
	if s := h.slot(t, slot.ID); s.Reserved != 1 {
		t.Fatalf("completed refund released a place")
	}
}

func TestRefundAlreadyIssuedAtProviderSettles(t *testing.T) {
	h := newHarness(t)
	b := h.reserve(t, testutil.OpenSlot(t, h.db, 1, 1).ID, 1)
	h.pay(t, b, "evt_pay")
	h.provider.err = payment.ErrRefundAlreadyIssued

	got, err := h.refunds.Refund(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got.PaymentStatus != model.PaymentRefunded {
		t.Fatalf("payment status = %s", got.PaymentStatus)
	}
}

func TestRefundProviderFailureChangesNothing(t *testing.T) {
	h := newHarness(t)
	slot := testutil.OpenSlot(t, h.db, 1, 1)
	b := h.reserve(t, slot.ID, 1)
	h.pay(t, b, "evt_pay")
	h.provider.err = payment.ErrProviderError

	if _, err := h.refunds.Refund(context.Background(), b.ID); !errors.Is(err, payment.ErrProviderError) {
		t.Fatalf("err = %v", err)
	}
	got := h.booking(t, b.ID)
	if got.Status != model.BookingConfirmed || got.PaymentStatus != model.PaymentPaid {
		t.Fatalf("booking = %s/%s", got.Status, got.PaymentStatus)
	}
	if s := h.slot(t, slot.ID); s.Reserved != 1 {
		t.Fatalf("failed refund released a place")
	}
}

func TestRefundUnpaidBooking(t *testing.T) {
	h := newHarness(t)
	b := h.reserve(t, testutil.OpenSlot(t, h.db, 1, 1).ID, 1)

	if _, err := h.refunds.Refund(context.Background(), b.ID); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("err = %v", err)
	}
	if len(h.provider.refunds) != 0 {
		t.Fatal("provider called for unpaid booking")
	}
}

func TestCancel(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		h := newHarness(t)
		slot := testutil.OpenSlot(t, h.db, 1, 1)
		b := h.reserve(t, slot.ID, 1)

		got, err := h.refunds.Cancel(context.Background(), b.ID, "customer request", false)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != model.BookingCancelled || got.PaymentStatus != model.PaymentFailed {
			t.Fatalf("booking = %s/%s", got.Status, got.PaymentStatus)
		}
		if s := h.slot(t, slot.ID); s.Reserved != 0 {
			t.Fatalf("reserved = %d", s.Reserved)
		}
		if len(h.provider.refunds) != 0 {
			t.Fatal("refund issued for unpaid booking")
		}
	})

	t.Run("confirmed with refund", func(t *testing.T) {
		h := newHarness(t)
		slot := testutil.OpenSlot(t, h.db, 1, 1)
		b := h.reserve(t, slot.ID, 1)
		h.pay(t, b, "evt_pay")

		got, err := h.refunds.Cancel(context.Background(), b.ID, "", false)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.PaymentStatus != model.PaymentRefunded || got.RefundWaived {
			t.Fatalf("booking = %s waived=%v", got.PaymentStatus, got.RefundWaived)
		}
		if len(h.provider.refunds) != 1 {
			t.Fatalf("provider refunds = %d", len(h.provider.refunds))
		}
		if s := h.slot(t, slot.ID); s.Reserved != 0 {
			t.Fatalf("reserved = %d", s.Reserved)
		}
	})

	t.Run("confirmed with waiver", func(t *testing.T) {
		h := newHarness(t)
		slot := testutil.OpenSlot(t, h.db, 1, 1)
		b := h.reserve(t, slot.ID, 1)
		h.pay(t, b, "evt_pay")

		got, err := h.refunds.Cancel(context.Background(), b.ID, "no show", true)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != model.BookingCancelled || got.PaymentStatus != model.PaymentPaid || !got.RefundWaived {
			t.Fatalf("booking = %s/%s waived=%v", got.Status, got.PaymentStatus, got.RefundWaived)
		}
		if len(h.provider.refunds) != 0 {
			t.Fatal("waived cancellation issued a refund")
		}
		if c := h.notifier.count(queue.RoutingBookingCancelled); c != 1 {
			t.Fatalf("cancelled notifications = %d", c)
		}
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t)
		b := h.reserve(t, testutil.OpenSlot(t, h.db, 1, 1).ID, 1)
		h.pay(t, b, "evt_pay")
		if _, err := h.svc.Complete(context.Background(), b.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := h.refunds.Cancel(context.Background(), b.ID, "", false); !errors.Is(err, repository.ErrInvalidTransition) {
			t.Fatalf("err = %v", err)
		}
	})
}
