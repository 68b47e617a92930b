package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/obs"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/testutil"
)

const (
	sandboxSecret    = "whsec_sandbox"
	productionSecret = "whsec_production"
)

type fakeCheckout struct {
	mu    sync.Mutex
	env   payment.Environment
	err   error
	calls int
	split []*payment.RevenueSplit
}

func (f *fakeCheckout) Environment() payment.Environment { return f.env }

func (f *fakeCheckout) Build(_ context.Context, env payment.Environment, d payment.CheckoutDraft, split *payment.RevenueSplit) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.split = append(f.split, split)
	if f.err != nil {
		return nil, f.err
	}
	ref := fmt.Sprintf("cs_test_%d", d.BookingID)
	return &payment.CheckoutSession{
		RedirectURL:         "https://checkout.test/" + ref,
		ExternalCheckoutRef: ref,
		Environment:         env,
	}, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	err     error
	refunds []payment.RefundRequest
}

func (p *fakeProvider) CreateCheckoutSession(context.Context, payment.CheckoutRequest) (*payment.ProviderSession, error) {
	return nil, payment.ErrProviderError
}

func (p *fakeProvider) CreateRefund(_ context.Context, req payment.RefundRequest) (*payment.ProviderRefund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, req)
	if p.err != nil {
		return nil, p.err
	}
	return &payment.ProviderRefund{ID: "re_" + req.IdempotencyKey, Status: "succeeded"}, nil
}

type published struct {
	key string
	v   any
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []published
}

func (n *recordingNotifier) Publish(_ context.Context, key string, v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, published{key, v})
	return nil
}

func (n *recordingNotifier) count(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if m.key == key {
			c++
		}
	}
	return c
}

type harness struct {
	db       *sql.DB
	slots    *repository.SlotRepo
	bookings *repository.BookingRepo
	ledger   *repository.WebhookEventRepo
	checkout *fakeCheckout
	provider *fakeProvider
	notifier *recordingNotifier

	svc     *BookingService
	rec     *Reconciler
	refunds *RefundCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	slots := repository.NewSlotRepo(db)
	bookings := repository.NewBookingRepo(db, slots)
	h := &harness{
		db:       db,
		slots:    slots,
		bookings: bookings,
		ledger:   repository.NewWebhookEventRepo(db),
		checkout: &fakeCheckout{env: payment.Sandbox},
		provider: &fakeProvider{},
		notifier: &recordingNotifier{},
	}
	log := obs.Discard()
	verifier := payment.NewVerifier(payment.CredentialSet{
		Production: payment.Credentials{SecretKey: "sk_live_x", WebhookSecret: productionSecret},
		Sandbox:    payment.Credentials{SecretKey: "sk_test_x", WebhookSecret: sandboxSecret},
	})
	h.svc = NewBookingService(db, slots, bookings, h.checkout, h.notifier, log)
	h.rec = NewReconciler(db, verifier, bookings, h.ledger, h.notifier, log)
	h.refunds = NewRefundCoordinator(db, bookings, h.provider, 0, h.notifier, log)
	return h
}

func (h *harness) reserve(t *testing.T, slotID, customerID uint64) *model.Booking {
	t.Helper()
	r, err := h.svc.Reserve(context.Background(), ReserveRequest{
		SlotID:      slotID,
		CustomerID:  customerID,
		ServiceName: "Physio session",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return r.Booking
}

func (h *harness) deliver(t *testing.T, payload []byte, secret string) Outcome {
	t.Helper()
	out, err := h.rec.Handle(context.Background(), payload, testutil.SignWebhook(payload, secret))
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	return out
}

// pay delivers a paid checkout completion for b.
func (h *harness) pay(t *testing.T, b *model.Booking, eventID string) Outcome {
	t.Helper()
	return h.deliver(t, testutil.CheckoutCompleted(t, eventID, fmt.Sprintf("cs_test_%d", b.ID), fmt.Sprintf("pi_%d", b.ID), b.ID), sandboxSecret)
}

func (h *harness) booking(t *testing.T, id uint64) *model.Booking {
	t.Helper()
	b, err := h.bookings.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get booking %d: %v", id, err)
	}
	return b
}

func (h *harness) slot(t *testing.T, id uint64) *model.Slot {
	t.Helper()
	s, err := h.slots.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get slot %d: %v", id, err)
	}
	return s
}
