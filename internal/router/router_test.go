package router

import (
	"sort"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-reservation/internal/handler"
)

func TestRoutesRegistered(t *testing.T) {
	e := echo.New()
	RegisterRoutes(e, &handler.HealthHandler{})
	RegisterShopper(e, &handler.TicketHandler{}, nil)
	RegisterPayments(e, &handler.PaymentHandler{})
	RegisterOperator(e, &handler.OperatorHandler{}, "secret")

	got := map[string]bool{}
	for _, r := range e.Routes() {
		got[r.Method+" "+r.Path] = true
	}
	want := []string{
		"GET /healthz",
		"GET /readyz",
		"GET /v1/tickets",
		"POST /v1/holds",
		"POST /v1/holds/release",
		"POST /v1/holds/verify",
		"POST /v1/checkout",
		"POST /check_reservation",
		"POST /create_preference",
		"POST /v1/payments/notifications",
		"GET /v1/payments/return",
		"POST /v1/operator/login",
		"GET /v1/operator/purchases",
		"GET /v1/operator/conflicts",
		"GET /v1/operator/holds/expired",
		"POST /v1/operator/reap",
		"POST /v1/operator/payments/:id/reconcile",
	}
	var missing []string
	for _, w := range want {
		if !got[w] {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		t.Fatalf("missing routes: %v", missing)
	}
}
