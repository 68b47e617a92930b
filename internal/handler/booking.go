package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/service"
)

// BookingHandler exposes reservation, lookup, cancellation, refund and
// completion of bookings.
type BookingHandler struct {
	Service *service.BookingService
	Refunds *service.RefundCoordinator
	Repo    *repository.BookingRepo
}

// NewBookingHandler panics if a dependency is nil.
func NewBookingHandler(svc *service.BookingService, refunds *service.RefundCoordinator, repo *repository.BookingRepo) *BookingHandler {
	if svc == nil || refunds == nil || repo == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{Service: svc, Refunds: refunds, Repo: repo}
}

// createBookingRequest carries no price: the amount and any payout split
// are taken from the slot. Unknown fields are ignored.
type createBookingRequest struct {
	SlotID        uint64  `json:"slot_id" validate:"required"`
	CustomerID    uint64  `json:"customer_id"` // staff booking on behalf of a customer
	ServiceID     *uint64 `json:"service_id"`
	ServiceName   string  `json:"service_name" validate:"max=200"`
	CustomerEmail string  `json:"customer_email" validate:"omitempty,email"`
	SuccessURL    string  `json:"success_url" validate:"omitempty,url"`
	CancelURL     string  `json:"cancel_url" validate:"omitempty,url"`
}

// Create handles POST /v1/bookings. It claims a place on the slot and
// returns the hosted checkout page for it.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req createBookingRequest
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	customerID := userID
	if req.CustomerID != 0 && isStaff(c) {
		customerID = req.CustomerID
	}
	in := service.ReserveRequest{
		SlotID:        req.SlotID,
		CustomerID:    customerID,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
	}
	r, err := h.Service.Reserve(c.Request().Context(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"booking_id":   r.Booking.ID,
		"status":       r.Booking.Status,
		"redirect_url": r.RedirectURL,
	})
}

// Get handles GET /v1/bookings/:id. Customers only see their own bookings;
// someone else's booking reads as not found.
func (h *BookingHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Service.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	if !isStaff(c) && b.CustomerID != userID {
		return writeError(c, repository.ErrBookingNotFound)
	}
	return c.JSON(http.StatusOK, b)
}

// ListMine handles GET /v1/bookings for the calling customer.
func (h *BookingHandler) ListMine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	list, err := h.Repo.ListByCustomer(c.Request().Context(), userID, 50)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": list})
}

// Cancel handles POST /v1/bookings/:id/cancel with {"reason", "waive_refund"}.
func (h *BookingHandler) Cancel(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	var body struct {
		Reason      string `json:"reason" validate:"max=255"`
		WaiveRefund bool   `json:"waive_refund"`
	}
	if ok, err := bindValid(c, &body); !ok {
		return err
	}
	b, err := h.Refunds.Cancel(c.Request().Context(), id, body.Reason, body.WaiveRefund)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Refund handles POST /v1/bookings/:id/refund.
func (h *BookingHandler) Refund(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Refunds.Refund(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Complete handles POST /v1/bookings/:id/complete.
func (h *BookingHandler) Complete(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Service.Complete(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}
