package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/queue"
	"github.com/iliyamo/raffle-reservation/internal/service"
)

// NotificationPublisher hands a payment notification to the message broker.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n queue.PaymentNotification) error
}

// PaymentHandler receives processor notifications and shopper returns.
type PaymentHandler struct {
	Settle *service.SettlementService
	Queue  NotificationPublisher // optional; nil reconciles inline
	Log    *slog.Logger
}

// NewPaymentHandler constructs a PaymentHandler.  publisher may be nil.
func NewPaymentHandler(settle *service.SettlementService, publisher NotificationPublisher, log *slog.Logger) *PaymentHandler {
	if settle == nil {
		panic("nil settlement service passed to NewPaymentHandler")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PaymentHandler{Settle: settle, Queue: publisher, Log: log}
}

var errNoPaymentID = errors.New("missing payment id")

// notificationBody covers the JSON shapes processors send.  Ids arrive as
// strings or numbers.
type notificationBody struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	PaymentID json.RawMessage `json:"paymentId"`
	Data      struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

func rawID(r json.RawMessage) string {
	return strings.TrimSpace(strings.Trim(string(r), `"`))
}

// parseNotification extracts the notification type and payment id from the
// body or, for query-string notifications, from type/topic and data.id/id.
// A missing type is taken to mean "payment".
func parseNotification(c echo.Context) (queue.PaymentNotification, error) {
	var body notificationBody
	// An empty body is skipped by the binder, leaving the query fallback.
	if err := c.Bind(&body); err != nil {
		return queue.PaymentNotification{}, errors.New(bindMessage(err))
	}

	q := c.QueryParams()
	n := queue.PaymentNotification{ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	for _, v := range []string{body.Type, body.Topic, q.Get("type"), q.Get("topic")} {
		if v != "" {
			n.Type = v
			break
		}
	}
	for _, v := range []string{rawID(body.PaymentID), rawID(body.Data.ID), q.Get("data.id"), q.Get("id")} {
		if v != "" && v != "null" {
			n.PaymentID = v
			break
		}
	}
	if n.Type == "" {
		n.Type = "payment"
	}
	if n.Type == "payment" && n.PaymentID == "" {
		return n, errNoPaymentID
	}
	return n, nil
}

// Notify handles POST /v1/payments/notifications.  With a broker configured
// the notification is queued and acknowledged; otherwise, or when queueing
// fails, it is reconciled inline.  A 503 asks the processor to redeliver;
// conflicts are acknowledged because redelivery cannot resolve them.
func (h *PaymentHandler) Notify(c echo.Context) error {
	n, err := parseNotification(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid notification: " + err.Error()})
	}
	if n.Type != "payment" {
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}
	ctx := c.Request().Context()

	if h.Queue != nil {
		err := h.Queue.PublishNotification(ctx, n)
		if err == nil {
			return c.JSON(http.StatusOK, echo.Map{"status": "queued"})
		}
		h.Log.Warn("queueing notification failed; reconciling inline", "payment_id", n.PaymentID, "err", err)
	}
	return h.reconcile(c, n.PaymentID)
}

// Return handles GET /v1/payments/return, the processor's back_url.  It
// polls the payment so a shopper who comes back sees the settled outcome
// even if the notification has not arrived yet.
func (h *PaymentHandler) Return(c echo.Context) error {
	id := c.QueryParam("payment_id")
	if id == "" {
		id = c.QueryParam("collection_id")
	}
	if id == "" || id == "null" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payment_id is required", "status": c.QueryParam("status")})
	}
	return h.reconcile(c, id)
}

// reconcile settles paymentID and writes the outcome.  Conflicts are
// answered with 200 so the processor stops redelivering.
func (h *PaymentHandler) reconcile(c echo.Context, paymentID string) error {
	res, err := h.Settle.Reconcile(c.Request().Context(), paymentID)
	var conflict *service.ReconciliationConflict
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusOK, echo.Map{
			"paymentId": res.PaymentID,
			"status":    res.Status,
			"outcome":   res.Outcome,
			"numbers":   res.Numbers,
			"conflict":  conflict.Numbers,
		})
	}
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}
