package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/slot-booking/internal/payment"
)

// PaymentEnvHandler reads and switches the checkout environment.
type PaymentEnvHandler struct {
	Router *payment.EnvironmentRouter
	Log    logrus.FieldLogger
}

// NewPaymentEnvHandler panics on nil dependencies.
func NewPaymentEnvHandler(r *payment.EnvironmentRouter, log logrus.FieldLogger) *PaymentEnvHandler {
	if r == nil || log == nil {
		panic("nil dependency passed to NewPaymentEnvHandler")
	}
	return &PaymentEnvHandler{Router: r, Log: log}
}

// Get handles GET /v1/admin/payment-env.
func (h *PaymentEnvHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"mode": h.Router.Mode()})
}

// Set handles PUT /v1/admin/payment-env with {"mode": "production"|"sandbox"}.
// Only new checkouts are affected.
func (h *PaymentEnvHandler) Set(c echo.Context) error {
	var body struct {
		Mode string `json:"mode" validate:"required"`
	}
	if ok, err := bindValid(c, &body); !ok {
		return err
	}
	env, err := payment.ParseEnvironment(body.Mode)
	if err != nil {
		return writeError(c, err)
	}
	prev := h.Router.Mode()
	if err := h.Router.SetMode(env); err != nil {
		return writeError(c, err)
	}
	userID, _ := getUserID(c)
	h.Log.WithFields(logrus.Fields{"from": prev, "to": env, "user_id": userID}).Warn("payment environment switched")
	return c.JSON(http.StatusOK, echo.Map{"mode": env, "previous": prev})
}
