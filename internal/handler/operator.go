package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/service"
	"github.com/iliyamo/raffle-reservation/internal/utils"
)

// OperatorHandler exposes the settlement ledger and manual controls to
// operators.  Every route except Login sits behind JWTAuth and
// RequireRole(utils.RoleOperator).
type OperatorHandler struct {
	Res          *service.ReservationService
	Settle       *service.SettlementService
	PasswordHash string // bcrypt hash of the operator password; empty disables login
	JWTSecret    string
	AccessTTLMin int
	Log          *slog.Logger
}

// Login handles POST /v1/operator/login.  It checks the password against
// the configured bcrypt hash and answers a short-lived operator token.
func (h *OperatorHandler) Login(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil || body.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password is required"})
	}
	if !utils.VerifyPassword(h.PasswordHash, body.Password) {
		h.logger().Warn("operator login failed", "ip", c.RealIP())
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	tok, err := utils.NewAccessToken(h.JWTSecret, "operator", utils.RoleOperator, h.AccessTTLMin)
	if err != nil {
		return writeError(c, h.logger(), err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"access_token": tok.Token,
		"token_type":   "Bearer",
		"expires_at":   tok.Exp,
	})
}

// Purchases handles GET /v1/operator/purchases.
func (h *OperatorHandler) Purchases(c echo.Context) error {
	list, err := h.Settle.ListPurchases(c.Request().Context())
	if err != nil {
		return writeError(c, h.logger(), err)
	}
	if list == nil {
		list = []model.Purchase{}
	}
	return c.JSON(http.StatusOK, list)
}

// Conflicts handles GET /v1/operator/conflicts, the approved payments that
// could not be matched to their holds and need manual resolution.
func (h *OperatorHandler) Conflicts(c echo.Context) error {
	list, err := h.Settle.ListConflicts(c.Request().Context())
	if err != nil {
		return writeError(c, h.logger(), err)
	}
	if list == nil {
		list = []model.Conflict{}
	}
	return c.JSON(http.StatusOK, list)
}

// ExpiredHolds handles GET /v1/operator/holds/expired?limit=.
func (h *OperatorHandler) ExpiredHolds(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be between 1 and 1000"})
		}
		limit = n
	}
	holds, err := h.Res.ExpiredHolds(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, h.logger(), err)
	}
	if holds == nil {
		holds = []model.Hold{}
	}
	return c.JSON(http.StatusOK, holds)
}

// Reap handles POST /v1/operator/reap and releases expired holds now.
func (h *OperatorHandler) Reap(c echo.Context) error {
	n, err := h.Res.ReapExpired(c.Request().Context())
	if err != nil {
		return writeError(c, h.logger(), err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// Reconcile handles POST /v1/operator/payments/:id/reconcile, a manual
// poll of one payment.
func (h *OperatorHandler) Reconcile(c echo.Context) error {
	id := c.Param("id")
	res, err := h.Settle.Reconcile(c.Request().Context(), id)
	var conflict *service.ReconciliationConflict
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, payment.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment not found"})
	case errors.As(err, &conflict):
		return c.JSON(http.StatusOK, echo.Map{
			"paymentId": res.PaymentID,
			"status":    res.Status,
			"outcome":   res.Outcome,
			"numbers":   res.Numbers,
			"conflict":  conflict.Numbers,
			"states":    conflict.States,
			"reason":    conflict.Reason,
		})
	}
	return writeError(c, h.logger(), err)
}

func (h *OperatorHandler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Log
}
