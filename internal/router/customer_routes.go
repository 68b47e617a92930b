package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/handler"
	"github.com/iliyamo/slot-booking/internal/middleware"
)

// RegisterBookings registers booking endpoints under /v1. Customers and
// staff can reserve and read bookings; handlers restrict customers to their
// own. limit guards the reservation endpoint.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleCustomer, middleware.RoleStaff),
	)
	g.POST("/bookings", h.Create, limit)
	g.GET("/bookings", h.ListMine)
	g.GET("/bookings/:id", h.Get)
}
