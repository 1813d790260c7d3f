package handler // package handler contains the HTTP handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandler answers the liveness and readiness checks.
type HealthHandler struct {
	// Ping reports whether the ticket store can serve requests.
	Ping    func(ctx context.Context) error
	Timeout time.Duration
	Log     *slog.Logger
}

// NewHealthHandler returns a HealthHandler that checks the store with ping.
func NewHealthHandler(ping func(ctx context.Context) error, log *slog.Logger) *HealthHandler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HealthHandler{Ping: ping, Timeout: 2 * time.Second, Log: log}
}

// Live answers a plain "ok" while the process is serving HTTP.
func (h *HealthHandler) Live(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Ready answers 503 while the store is unreachable so load balancers stop
// routing shoppers to an instance that cannot take holds.
func (h *HealthHandler) Ready(c echo.Context) error {
	if h.Ping == nil {
		return c.String(http.StatusOK, "ready")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.Timeout)
	defer cancel()
	if err := h.Ping(ctx); err != nil {
		h.Log.Warn("readiness check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "error": "store unreachable"})
	}
	return c.String(http.StatusOK, "ready")
}
