package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/service"
)

// writeError maps service errors onto status codes and JSON bodies.
// Anything unrecognised is logged and answered with a generic 500.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	var (
		verr     *service.ValidationError
		cerr     *service.ConflictError
		upstream *service.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &cerr):
		return c.JSON(http.StatusConflict, echo.Map{
			"success":            false,
			"error":              "one or more numbers are no longer available",
			"conflictingNumbers": cerr.Numbers,
		})
	case errors.Is(err, service.ErrHoldExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": err.Error()})
	case errors.As(err, &upstream):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "payment processor unavailable, try again"})
	}
	log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// numberList accepts ticket numbers sent as JSON strings or integers.
type numberList []string

func (l *numberList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("numbers must be an array: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("invalid ticket number %s", r)
		}
		if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
			return fmt.Errorf("invalid ticket number %s", r)
		}
		out = append(out, n.String())
	}
	*l = out
	return nil
}

// selectionRequest is the body shared by the hold, release, verify and
// checkout endpoints.  userId is the field name older clients send.
type selectionRequest struct {
	Numbers    numberList `json:"numbers"`
	HolderID   string     `json:"holderId"`
	UserID     string     `json:"userId"`
	BuyerName  string     `json:"buyerName"`
	BuyerPhone string     `json:"buyerPhone"`
	Quantity   int        `json:"quantity"`
}

func (r selectionRequest) holder() string {
	if r.HolderID != "" {
		return r.HolderID
	}
	return r.UserID
}

func bindSelection(c echo.Context) (selectionRequest, error) {
	var req selectionRequest
	if err := c.Bind(&req); err != nil {
		return req, &service.ValidationError{Field: "body", Message: bindMessage(err)}
	}
	return req, nil
}

// bindMessage unwraps the client-facing text from a binder error.
func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}
