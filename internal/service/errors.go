package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

// ValidationError reports malformed input.  Handlers answer 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError is returned when some requested tickets are not available.
// Numbers lists exactly the tickets that blocked the request.
type ConflictError struct {
	Numbers []string
}

func (e *ConflictError) Error() string {
	return "tickets not available: " + strings.Join(e.Numbers, ",")
}

// ErrHoldExpired means the holder no longer owns a live hold on every ticket
// it is trying to pay for.
var ErrHoldExpired = errors.New("selection expired, please reselect")

// UpstreamError wraps a failure of the payment processor.  Callers should
// retry later; nothing was changed locally.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("payment processor %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ReconciliationConflict is returned when an approved payment references
// tickets that are no longer held by the payer.  The conflict has been
// recorded for operators; retrying does not change the outcome.
type ReconciliationConflict struct {
	PaymentID string
	HolderID  string
	Numbers   []string
	States    map[string]model.TicketState
	Reason    string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation conflict for payment %s: %s (%s)", e.PaymentID, e.Reason, strings.Join(e.Numbers, ","))
}
