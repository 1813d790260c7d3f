package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/service"
)

// TicketHandler serves the shopper-facing ticket endpoints.
type TicketHandler struct {
	Res *service.ReservationService
	Log *slog.Logger
}

// NewTicketHandler constructs a TicketHandler.  A nil logger discards.
func NewTicketHandler(res *service.ReservationService, log *slog.Logger) *TicketHandler {
	if res == nil {
		panic("nil reservation service passed to NewTicketHandler")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TicketHandler{Res: res, Log: log}
}

type ticketView struct {
	Number string `json:"number"`
	State  string `json:"state"`
}

// List handles GET /v1/tickets.  Expired holds are released first, so the
// listing never shows a ticket as held after its deadline.
func (h *TicketHandler) List(c echo.Context) error {
	tickets, err := h.Res.ListTickets(c.Request().Context())
	if err != nil {
		return writeError(c, h.Log, err)
	}
	out := make([]ticketView, len(tickets))
	for i, t := range tickets {
		out[i] = ticketView{Number: t.Number, State: string(t.State)}
	}
	return c.JSON(http.StatusOK, out)
}

// Hold handles POST /v1/holds.  All requested numbers are held or none are;
// a 409 lists the numbers that blocked the request.
func (h *TicketHandler) Hold(c echo.Context) error {
	req, err := bindSelection(c)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	res, err := h.Res.Hold(c.Request().Context(), req.holder(), req.Numbers)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"numbers":   res.Numbers,
		"expiresAt": res.ExpiresAt,
	})
}

// Release handles POST /v1/holds/release.
func (h *TicketHandler) Release(c echo.Context) error {
	req, err := bindSelection(c)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	n, err := h.Res.Release(c.Request().Context(), req.holder(), req.Numbers)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "released": n})
}

// Verify handles POST /v1/holds/verify and the older POST
// /check_reservation.  It answers {valid} and never changes state.
func (h *TicketHandler) Verify(c echo.Context) error {
	req, err := bindSelection(c)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	ok, err := h.Res.VerifyHold(c.Request().Context(), req.holder(), req.Numbers)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"valid": ok})
}

// Checkout handles POST /v1/checkout.  It answers the processor's redirect
// URL once the holds are confirmed live.
func (h *TicketHandler) Checkout(c echo.Context) error {
	session, err := h.checkout(c)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"redirectUrl": session.RedirectURL, "sessionId": session.ID})
}

// CreatePreference handles POST /create_preference, the checkout call of
// older clients, which expect the redirect under init_point.
func (h *TicketHandler) CreatePreference(c echo.Context) error {
	session, err := h.checkout(c)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"init_point": session.RedirectURL, "id": session.ID})
}

// checkout binds a selection and opens a checkout session for it.
func (h *TicketHandler) checkout(c echo.Context) (payment.CheckoutSession, error) {
	req, err := bindSelection(c)
	if err != nil {
		return payment.CheckoutSession{}, err
	}
	return h.Res.Checkout(c.Request().Context(), service.CheckoutInput{
		HolderID:   req.holder(),
		Numbers:    req.Numbers,
		BuyerName:  req.BuyerName,
		BuyerPhone: req.BuyerPhone,
		Quantity:   req.Quantity,
	})
}
