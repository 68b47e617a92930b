package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// SlotHandler serves slot administration for staff and public
// availability reads.
type SlotHandler struct {
	Slots    *repository.SlotRepo
	Bookings *repository.BookingRepo
}

// NewSlotHandler panics if a repository is nil.
func NewSlotHandler(slots *repository.SlotRepo, bookings *repository.BookingRepo) *SlotHandler {
	if slots == nil || bookings == nil {
		panic("nil repository passed to NewSlotHandler")
	}
	return &SlotHandler{Slots: slots, Bookings: bookings}
}

// createSlotRequest sets the price every booking of the slot is charged and
// the optional payout to a connected account.
type createSlotRequest struct {
	StartsAt          time.Time `json:"starts_at" validate:"required"`
	EndsAt            time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
	Capacity          uint32    `json:"capacity" validate:"required,min=1"`
	ServiceID         *uint64   `json:"service_id"`
	PriceCents        int64     `json:"price_cents" validate:"required,gt=0"`
	PayeeAccountRef   string    `json:"payee_account_ref" validate:"required_with=PayeeSharePercent,max=255"`
	PayeeSharePercent int       `json:"payee_share_percent" validate:"min=0,max=100"`
}

// slotView is the public shape of a slot. Remaining is advisory; the
// reservation itself re-checks capacity.
type slotView struct {
	ID        uint64    `json:"id"`
	OwnerID   uint64    `json:"owner_id"`
	ServiceID *uint64   `json:"service_id,omitempty"`
	Date      string    `json:"date"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Capacity  uint32    `json:"capacity"`
	Remaining uint32    `json:"remaining"`
	Available bool      `json:"available"`
	Price     int64     `json:"price_cents"`
}

func toSlotView(s *model.Slot) slotView {
	return slotView{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		ServiceID: s.ServiceID,
		Date:      s.Date(),
		StartsAt:  s.StartsAt,
		EndsAt:    s.EndsAt,
		Capacity:  s.Capacity,
		Remaining: s.Remaining(),
		Price:     s.PriceCents,
		Available: s.Active && !s.Disabled && s.Remaining() > 0 && s.StartsAt.After(time.Now()),
	}
}

// Create handles POST /v1/slots. The caller becomes the slot owner.
func (h *SlotHandler) Create(c echo.Context) error {
	ownerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req createSlotRequest
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	if !req.StartsAt.After(time.Now()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_slot", "message": "starts_at must be in the future"})
	}
	s := &model.Slot{
		OwnerID:   ownerID,
		ServiceID: req.ServiceID,
		StartsAt:  req.StartsAt.UTC().Truncate(time.Second),
		EndsAt:    req.EndsAt.UTC().Truncate(time.Second),
		Capacity:  req.Capacity,

		PriceCents:        req.PriceCents,
		PayeeSharePercent: req.PayeeSharePercent,
	}
	if req.PayeeAccountRef != "" {
		s.PayeeAccountRef = &req.PayeeAccountRef
	}
	if err := h.Slots.Create(c.Request().Context(), s); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// Get handles GET /v1/slots/:id.
func (h *SlotHandler) Get(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid slot id"})
	}
	s, err := h.Slots.GetByID(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toSlotView(s))
}

// ListByOwner handles GET /v1/owners/:id/slots?from=YYYY-MM-DD&to=YYYY-MM-DD.
// from defaults to today and to to seven days later; to is inclusive.
func (h *SlotHandler) ListByOwner(c echo.Context) error {
	ownerID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid owner id"})
	}
	from := time.Now().UTC().Truncate(24 * time.Hour)
	if v := c.QueryParam("from"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "from must be YYYY-MM-DD"})
		}
		from = d
	}
	to := from.AddDate(0, 0, 7)
	if v := c.QueryParam("to"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil || d.Before(from) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "to must be YYYY-MM-DD and not before from"})
		}
		to = d.AddDate(0, 0, 1)
	}
	slots, err := h.Slots.ListByOwner(c.Request().Context(), ownerID, from, to)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]slotView, 0, len(slots))
	for i := range slots {
		out = append(out, toSlotView(&slots[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": out})
}

// ownedSlot loads the slot and checks that the caller owns it.
func (h *SlotHandler) ownedSlot(c echo.Context) (*model.Slot, error) {
	userID, err := getUserID(c)
	if err != nil {
		return nil, repository.ErrForbidden
	}
	id, ok := parseID(c, "id")
	if !ok {
		return nil, repository.ErrSlotNotFound
	}
	s, err := h.Slots.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != userID {
		return nil, repository.ErrForbidden
	}
	return s, nil
}

// SetActive handles PATCH /v1/slots/:id/active with {"active": bool}.
// Deactivating stops new reservations; existing bookings are untouched.
func (h *SlotHandler) SetActive(c echo.Context) error {
	s, err := h.ownedSlot(c)
	if err != nil {
		return writeError(c, err)
	}
	var body struct {
		Active *bool `json:"active" validate:"required"`
	}
	if ok, err := bindValid(c, &body); !ok {
		return err
	}
	updated, err := h.Slots.SetDisabled(c.Request().Context(), s.ID, !*body.Active, time.Now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Delete handles DELETE /v1/slots/:id. Slots that were ever booked are
// kept for history and return 409.
func (h *SlotHandler) Delete(c echo.Context) error {
	s, err := h.ownedSlot(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Slots.Delete(c.Request().Context(), s.ID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListBookings handles GET /v1/slots/:id/bookings for the slot owner.
func (h *SlotHandler) ListBookings(c echo.Context) error {
	s, err := h.ownedSlot(c)
	if err != nil {
		return writeError(c, err)
	}
	list, err := h.Bookings.ListBySlot(c.Request().Context(), s.ID)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{"slot": toSlotView(s), "bookings": list})
}
