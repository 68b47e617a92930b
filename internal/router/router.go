// Package router registers the HTTP routes and their middleware.
package router

import (
	"database/sql"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-booking/internal/handler"
)

// RegisterRoutes registers the unauthenticated probes.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
}

// RegisterPublic registers availability reads. cache fronts them with the
// short-TTL response cache.
func RegisterPublic(e *echo.Echo, h *handler.SlotHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/slots/:id", h.Get, cache)
	e.GET("/v1/owners/:id/slots", h.ListByOwner, cache)
}

// RegisterWebhooks registers the payment provider callback. It carries no
// JWT; the payload signature authenticates it.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/webhooks/payments", h.Receive)
}
