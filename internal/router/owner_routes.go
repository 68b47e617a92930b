package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/handler"
	"github.com/iliyamo/slot-booking/internal/middleware"
)

// RegisterStaff registers staff-only endpoints: slot administration,
// booking cancellation, refunds and completion, and the payment
// environment switch.
func RegisterStaff(e *echo.Echo, slots *handler.SlotHandler, bookings *handler.BookingHandler, env *handler.PaymentEnvHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleStaff),
	)
	g.POST("/slots", slots.Create)
	g.PATCH("/slots/:id/active", slots.SetActive)
	g.DELETE("/slots/:id", slots.Delete)
	g.GET("/slots/:id/bookings", slots.ListBookings)

	g.POST("/bookings/:id/cancel", bookings.Cancel)
	g.POST("/bookings/:id/refund", bookings.Refund)
	g.POST("/bookings/:id/complete", bookings.Complete)

	g.GET("/admin/payment-env", env.Get)
	g.PUT("/admin/payment-env", env.Set)
}
