package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/handler"
	"github.com/iliyamo/raffle-reservation/internal/middleware"
	"github.com/iliyamo/raffle-reservation/internal/utils"
)

// RegisterOperator registers the operator API under /v1/operator.  Login is
// public; everything else requires a JWT carrying the OPERATOR role.
func RegisterOperator(e *echo.Echo, h *handler.OperatorHandler, jwtSecret string) {
	e.POST("/v1/operator/login", h.Login)

	g := e.Group(
		"/v1/operator",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleOperator),
	)
	g.GET("/purchases", h.Purchases)
	g.GET("/conflicts", h.Conflicts)
	g.GET("/holds/expired", h.ExpiredHolds)
	g.POST("/reap", h.Reap)
	g.POST("/payments/:id/reconcile", h.Reconcile)
}
