// Package handler holds the HTTP handlers. Handlers parse and validate
// input, call a repository or service, and map domain errors to status
// codes in writeError.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/middleware"
	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/service"
)

// RequestValidator plugs validator/v10 struct tags into echo's c.Validate.
type RequestValidator struct {
	v *validator.Validate
}

// NewRequestValidator returns a validator for echo.Echo.Validator.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{v: validator.New()}
}

// Validate implements echo.Validator.
func (rv *RequestValidator) Validate(i interface{}) error {
	return rv.v.Struct(i)
}

// bindValid binds the request body into dst and validates it. On failure
// it has already written a 400 and returns false.
func bindValid(c echo.Context, dst interface{}) (bool, error) {
	if err := c.Bind(dst); err != nil {
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_body", "message": "invalid request body"})
	}
	if err := c.Validate(dst); err != nil {
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": err.Error()})
	}
	return true, nil
}

// getUserID returns the authenticated user id set by JWTAuth.
func getUserID(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, errors.New("invalid user_id in context")
	}
	return id, nil
}

func isStaff(c echo.Context) bool {
	role, _ := c.Get(middleware.CtxRole).(string)
	return role == middleware.RoleStaff
}

// parseID reads a positive integer path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorTable = []errorMapping{
	{repository.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
	{repository.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	{repository.ErrSlotFull, http.StatusConflict, "slot_full"},
	{repository.ErrSlotInactive, http.StatusConflict, "slot_inactive"},
	{repository.ErrDuplicateSlot, http.StatusConflict, "duplicate_slot"},
	{repository.ErrRefundRequired, http.StatusConflict, "refund_required"},
	{repository.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{repository.ErrConflict, http.StatusConflict, "conflict"},
	{repository.ErrForbidden, http.StatusForbidden, "forbidden"},
	{repository.ErrInvalidSlot, http.StatusBadRequest, "invalid_slot"},
	{service.ErrAlreadyRefunded, http.StatusConflict, "already_refunded"},
	{service.ErrNotPaid, http.StatusConflict, "not_paid"},
	{payment.ErrInvalidSplit, http.StatusBadRequest, "invalid_revenue_split"},
	{payment.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{payment.ErrUnknownEnvironment, http.StatusBadRequest, "unknown_environment"},
	{payment.ErrCheckoutCreationFailed, http.StatusBadGateway, "checkout_creation_failed"},
	{payment.ErrProviderError, http.StatusBadGateway, "provider_error"},
}

// writeError maps a domain error to its HTTP status. Unknown errors are
// logged and reported as 500 without detail.
func writeError(c echo.Context, err error) error {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return c.JSON(m.status, echo.Map{"error": m.code, "message": err.Error()})
		}
	}
	c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
}
