package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/payment"
	"github.com/iliyamo/slot-booking/internal/service"
)

// maxWebhookBody bounds what is read from the provider.
const maxWebhookBody = 1 << 20

// WebhookHandler receives payment provider events.
type WebhookHandler struct {
	Reconciler *service.Reconciler
}

// NewWebhookHandler panics on a nil reconciler.
func NewWebhookHandler(r *service.Reconciler) *WebhookHandler {
	if r == nil {
		panic("nil reconciler passed to NewWebhookHandler")
	}
	return &WebhookHandler{Reconciler: r}
}

// Receive handles POST /webhooks/payments. The body must be read raw: the
// signature covers the exact bytes. Anything other than 2xx makes the
// provider redeliver, so only failures worth retrying return 500.
func (h *WebhookHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "payload too large"})
	}
	sig := c.Request().Header.Get("Stripe-Signature")
	if sig == "" {
		sig = c.Request().Header.Get("Signature")
	}

	outcome, err := h.Reconciler.Handle(c.Request().Context(), body, sig)
	switch {
	case errors.Is(err, payment.ErrSignatureInvalid):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
	case errors.Is(err, payment.ErrMalformedEvent):
		// Verified but unusable; redelivery would not help.
		return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": "malformed"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true, "outcome": outcome})
}
