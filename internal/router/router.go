package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/handler"
)

// RegisterRoutes registers routes that need no authentication and no rate
// limiting: the liveness and readiness checks.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Live)
	e.GET("/readyz", h.Ready)
}

// RegisterShopper registers the ticket selection and checkout endpoints.
// limiter wraps every route; pass nil to register them unlimited.  The
// unversioned aliases keep older browser clients working.
func RegisterShopper(e *echo.Echo, t *handler.TicketHandler, limiter echo.MiddlewareFunc) {
	var mw []echo.MiddlewareFunc
	if limiter != nil {
		mw = append(mw, limiter)
	}
	g := e.Group("/v1", mw...)
	g.GET("/tickets", t.List)
	g.POST("/holds", t.Hold)
	g.POST("/holds/release", t.Release)
	g.POST("/holds/verify", t.Verify)
	g.POST("/checkout", t.Checkout)

	e.POST("/check_reservation", t.Verify, mw...)
	e.POST("/create_preference", t.CreatePreference, mw...)
}

// RegisterPayments registers the processor-facing endpoints.  They are not
// rate limited: throttling the processor only delays settlement.
func RegisterPayments(e *echo.Echo, p *handler.PaymentHandler) {
	g := e.Group("/v1/payments")
	g.POST("/notifications", p.Notify)
	g.GET("/return", p.Return)
}
