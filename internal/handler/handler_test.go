package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/handler"
	"github.com/iliyamo/slot-booking/internal/middleware"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/obs"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/router"
	"github.com/iliyamo/slot-booking/internal/service"
	"github.com/iliyamo/slot-booking/internal/testutil"
	"github.com/iliyamo/slot-booking/internal/utils"
)

const (
	jwtSecret     = "handler-test-secret"
	webhookSecret = "whsec_handler"
)

// checkout stands in for the provider-backed builder.
type checkout struct{ router *payment.EnvironmentRouter }

func (c checkout) Environment() payment.Environment { return c.router.Mode() }

func (c checkout) Build(_ context.Context, env payment.Environment, d payment.CheckoutDraft, _ *payment.RevenueSplit) (*payment.CheckoutSession, error) {
	ref := fmt.Sprintf("cs_%d", d.BookingID)
	return &payment.CheckoutSession{RedirectURL: "https://pay.test/" + ref, ExternalCheckoutRef: ref, Environment: env}, nil
}

type provider struct{}

func (provider) CreateCheckoutSession(context.Context, payment.CheckoutRequest) (*payment.ProviderSession, error) {
	return nil, payment.ErrProviderError
}

func (provider) CreateRefund(_ context.Context, req payment.RefundRequest) (*payment.ProviderRefund, error) {
	return &payment.ProviderRefund{ID: "re_1", Status: "succeeded"}, nil
}

type server struct {
	e        *echo.Echo
	slots    *repository.SlotRepo
	bookings *repository.BookingRepo
	env      *payment.EnvironmentRouter
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testutil.OpenDB(t)
	log := obs.Discard()
	slots := repository.NewSlotRepo(db)
	bookings := repository.NewBookingRepo(db, slots)
	ledger := repository.NewWebhookEventRepo(db)
	env := payment.NewEnvironmentRouter(payment.Sandbox)
	verifier := payment.NewVerifier(payment.CredentialSet{
		Sandbox: payment.Credentials{SecretKey: "sk_test", WebhookSecret: webhookSecret},
	})

	svc := service.NewBookingService(db, slots, bookings, checkout{env}, nil, log)
	refunds := service.NewRefundCoordinator(db, bookings, provider{}, time.Second, nil, log)
	rec := service.NewReconciler(db, verifier, bookings, ledger, nil, log)

	e := echo.New()
	e.Validator = handler.NewRequestValidator()
	slotH := handler.NewSlotHandler(slots, bookings)
	bookingH := handler.NewBookingHandler(svc, refunds, bookings)
	off := middleware.NewTokenBucket(config.RateLimitConfig{}, nil)
	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, slotH, middleware.NewRedisCache(config.CacheConfig{}, nil))
	router.RegisterWebhooks(e, handler.NewWebhookHandler(rec))
	router.RegisterBookings(e, bookingH, jwtSecret, off)
	router.RegisterStaff(e, slotH, bookingH, handler.NewPaymentEnvHandler(env, log), jwtSecret)
	return &server{e: e, slots: slots, bookings: bookings, env: env}
}

func token(t *testing.T, userID uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(jwtSecret, userID, role, 10)
	if err != nil {
		t.Fatal(err)
	}
	return tok.Token
}

func (s *server) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (s *server) createSlot(t *testing.T, staff string, capacity int) uint64 {
	t.Helper()
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	return s.createSlotWith(t, staff, map[string]any{
		"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": capacity, "price_cents": 10000,
	})
}

func (s *server) createSlotWith(t *testing.T, staff string, body map[string]any) uint64 {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/slots", staff, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create slot: %d %s", rec.Code, rec.Body.String())
	}
	var slot model.Slot
	decode(t, rec, &slot)
	return slot.ID
}

func TestBookingLifecycle(t *testing.T) {
	s := newServer(t)
	staff := token(t, 1, middleware.RoleStaff)
	alice := token(t, 10, middleware.RoleCustomer)
	bob := token(t, 11, middleware.RoleCustomer)
	slotID := s.createSlot(t, staff, 1)

	rec := s.do(t, http.MethodPost, "/v1/bookings", alice, map[string]any{"slot_id": slotID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		BookingID   uint64 `json:"booking_id"`
		RedirectURL string `json:"redirect_url"`
	}
	decode(t, rec, &created)
	if created.RedirectURL == "" {
		t.Fatal("missing redirect url")
	}

	rec = s.do(t, http.MethodPost, "/v1/bookings", bob, map[string]any{"slot_id": slotID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reserve full slot: %d %s", rec.Code, rec.Body.String())
	}

	path := fmt.Sprintf("/v1/bookings/%d", created.BookingID)
	if rec := s.do(t, http.MethodGet, path, alice, nil); rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, bob, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other customer get: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, staff, nil); rec.Code != http.StatusOK {
		t.Fatalf("staff get: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/v1/slots/%d", slotID), "", nil)
	var view struct {
		Remaining int  `json:"remaining"`
		Available bool `json:"available"`
	}
	decode(t, rec, &view)
	if rec.Code != http.StatusOK || view.Remaining != 0 || view.Available {
		t.Fatalf("public slot view: %d %+v", rec.Code, view)
	}

	rec = s.do(t, http.MethodPost, path+"/cancel", staff, map[string]any{"reason": "customer called"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/v1/bookings", bob, map[string]any{"slot_id": slotID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve after cancel: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReservationIgnoresCustomerPricing(t *testing.T) {
	s := newServer(t)
	staff := token(t, 1, middleware.RoleStaff)
	customer := token(t, 6, middleware.RoleCustomer)
	start := time.Now().UTC().Add(96 * time.Hour).Truncate(time.Hour)
	split := s.createSlotWith(t, staff, map[string]any{
		"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": 1,
		"price_cents": 4500, "payee_account_ref": "acct_coach", "payee_share_percent": 80,
	})
	plain := s.createSlot(t, staff, 1)

	tampered := map[string]any{
		"amount_cents":  1,
		"revenue_split": map[string]any{"payee_account_ref": "acct_attacker", "payee_share_percent": 100},
	}
	cases := []struct {
		slot  uint64
		price int64
		payee string
		fee   int64
	}{
		{slot: split, price: 4500, payee: "acct_coach", fee: 900},
		{slot: plain, price: 10000},
	}
	for _, tc := range cases {
		body := map[string]any{"slot_id": tc.slot}
		for k, v := range tampered {
			body[k] = v
		}
		rec := s.do(t, http.MethodPost, "/v1/bookings", customer, body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("slot %d reserve: %d %s", tc.slot, rec.Code, rec.Body.String())
		}
		var created struct {
			BookingID uint64 `json:"booking_id"`
		}
		decode(t, rec, &created)
		b, err := s.bookings.GetByID(context.Background(), created.BookingID)
		if err != nil {
			t.Fatalf("get booking: %v", err)
		}
		if b.AmountCents != tc.price {
			t.Errorf("slot %d amount = %d, want %d", tc.slot, b.AmountCents, tc.price)
		}
		switch {
		case tc.payee == "" && (b.PayeeAccountRef != nil || b.PlatformFeeCents != nil):
			t.Errorf("slot %d got payee=%v fee=%v, want none", tc.slot, b.PayeeAccountRef, b.PlatformFeeCents)
		case tc.payee != "" && (b.PayeeAccountRef == nil || *b.PayeeAccountRef != tc.payee):
			t.Errorf("slot %d payee = %v, want %s", tc.slot, b.PayeeAccountRef, tc.payee)
		case tc.payee != "" && (b.PlatformFeeCents == nil || *b.PlatformFeeCents != tc.fee):
			t.Errorf("slot %d fee = %v, want %d", tc.slot, b.PlatformFeeCents, tc.fee)
		}
	}

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/v1/slots/%d", split), "", nil)
	var view struct {
		Price int64 `json:"price_cents"`
	}
	decode(t, rec, &view)
	if view.Price != 4500 {
		t.Fatalf("public price = %d", view.Price)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	s := newServer(t)
	staff := token(t, 1, middleware.RoleStaff)
	slotID := s.createSlot(t, staff, 2)
	rec := s.do(t, http.MethodPost, "/v1/bookings", token(t, 5, middleware.RoleCustomer), map[string]any{"slot_id": slotID})
	var created struct {
		BookingID uint64 `json:"booking_id"`
	}
	decode(t, rec, &created)

	payload := testutil.CheckoutCompleted(t, "evt_http", fmt.Sprintf("cs_%d", created.BookingID), "pi_http", created.BookingID)
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		return rec
	}

	if rec := post(testutil.SignWebhook(payload, "whsec_other")); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad signature: %d", rec.Code)
	}
	sig := testutil.SignWebhook(payload, webhookSecret)
	rec = post(sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Outcome string `json:"outcome"`
	}
	decode(t, rec, &out)
	if out.Outcome != string(service.OutcomeProcessed) {
		t.Fatalf("outcome = %s", out.Outcome)
	}
	rec = post(sig)
	decode(t, rec, &out)
	if rec.Code != http.StatusOK || out.Outcome != string(service.OutcomeDuplicate) {
		t.Fatalf("redelivery: %d %s", rec.Code, out.Outcome)
	}

	b, err := s.bookings.GetByID(context.Background(), created.BookingID)
	if err != nil || b.Status != model.BookingConfirmed {
		t.Fatalf("booking after webhook: %+v %v", b, err)
	}

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/bookings/%d/refund", created.BookingID), staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/bookings/%d/refund", created.BookingID), staff, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second refund: %d", rec.Code)
	}
}

func TestRoleChecks(t *testing.T) {
	s := newServer(t)
	customer := token(t, 3, middleware.RoleCustomer)
	start := time.Now().Add(24 * time.Hour)
	body := map[string]any{"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": 1, "price_cents": 100}

	if rec := s.do(t, http.MethodPost, "/v1/slots", "", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v1/slots", customer, body); rec.Code != http.StatusForbidden {
		t.Fatalf("customer: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/v1/admin/payment-env", customer, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("customer payment env: %d", rec.Code)
	}
}

func TestSlotValidationAndOwnership(t *testing.T) {
	s := newServer(t)
	owner := token(t, 1, middleware.RoleStaff)
	other := token(t, 2, middleware.RoleStaff)
	start := time.Now().UTC().Add(24 * time.Hour)

	rec := s.do(t, http.MethodPost, "/v1/slots", owner, map[string]any{"starts_at": start, "ends_at": start.Add(-time.Hour), "capacity": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ends before start: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/v1/slots", owner, map[string]any{"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": 0, "price_cents": 100})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero capacity: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/v1/slots", owner, map[string]any{"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing price: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/v1/slots", owner, map[string]any{
		"starts_at": start, "ends_at": start.Add(time.Hour), "capacity": 1, "price_cents": 100, "payee_share_percent": 50,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("share without payee: %d", rec.Code)
	}

	id := s.createSlot(t, owner, 2)
	path := fmt.Sprintf("/v1/slots/%d", id)
	rec = s.do(t, http.MethodPost, "/v1/bookings", token(t, 8, middleware.RoleCustomer), map[string]any{"slot_id": id})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPatch, path+"/active", other, map[string]any{"active": false}); rec.Code != http.StatusForbidden {
		t.Fatalf("other staff deactivate: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPatch, path+"/active", owner, map[string]any{"active": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/v1/bookings", token(t, 9, middleware.RoleCustomer), map[string]any{"slot_id": id})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reserve inactive slot: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, path, owner, nil); rec.Code != http.StatusConflict {
		t.Fatalf("delete booked slot: %d", rec.Code)
	}

	empty := s.createSlot(t, owner, 1)
	if rec := s.do(t, http.MethodDelete, fmt.Sprintf("/v1/slots/%d", empty), owner, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete empty slot: %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/v1/owners/1/slots", "", nil)
	var list struct {
		Slots []map[string]any `json:"slots"`
	}
	decode(t, rec, &list)
	if rec.Code != http.StatusOK || len(list.Slots) != 1 {
		t.Fatalf("owner slots in default window: %d %d", rec.Code, len(list.Slots))
	}
}

func TestPaymentEnvSwitch(t *testing.T) {
	s := newServer(t)
	staff := token(t, 1, middleware.RoleStaff)

	rec := s.do(t, http.MethodPut, "/v1/admin/payment-env", staff, map[string]any{"mode": "production"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set: %d %s", rec.Code, rec.Body.String())
	}
	if s.env.Mode() != payment.Production {
		t.Fatalf("mode = %s", s.env.Mode())
	}
	if rec := s.do(t, http.MethodPut, "/v1/admin/payment-env", staff, map[string]any{"mode": "staging"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown mode: %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/v1/admin/payment-env", staff, nil)
	var got struct {
		Mode string `json:"mode"`
	}
	decode(t, rec, &got)
	if got.Mode != string(payment.Production) {
		t.Fatalf("get mode = %s", got.Mode)
	}
}
