// Package payment talks to the external payment processor.  The raffle only
// needs two calls from it: create a checkout session that the shopper is
// redirected to, and fetch the authoritative status of a payment by id.
package payment

import (
	"errors"
	"fmt"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

// Status is the processor's payment status string.
type Status string

const (
	StatusApproved    Status = "approved"
	StatusPending     Status = "pending"
	StatusInProcess   Status = "in_process"
	StatusAuthorized  Status = "authorized"
	StatusInMediation Status = "in_mediation"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// Approved reports whether the payment has been captured.
func (s Status) Approved() bool { return s == StatusApproved }

// Terminal reports whether the status is final.  Unknown statuses are
// treated as non-terminal so nothing is released on a value we do not
// understand.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack:
		return true
	}
	return false
}

// ReturnURLs are where the processor sends the shopper after checkout.
type ReturnURLs struct {
	Success string
	Failure string
	Pending string
}

// CheckoutRequest describes one checkout session.
type CheckoutRequest struct {
	Reference       string // external reference echoed back on the payment
	Title           string
	Quantity        int
	UnitPriceCents  int64
	Currency        string
	Payer           model.Buyer
	ReturnURLs      ReturnURLs
	NotificationURL string
}

// AmountCents is the total charged for the request.
func (r CheckoutRequest) AmountCents() int64 {
	return r.UnitPriceCents * int64(r.Quantity)
}

// CheckoutSession is the processor's answer to a checkout request.
type CheckoutSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirectUrl"`
}

// Payment is the authoritative view of a payment fetched from the processor.
type Payment struct {
	ID           string
	Status       Status
	StatusDetail string
	Reference    string
	AmountCents  int64
	Currency     string
}

// ErrNotFound is returned when the processor does not know a payment id.
var ErrNotFound = errors.New("payment not found")

// APIError is a non-retryable error answer from the processor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment api: status %d: %s", e.StatusCode, e.Message)
}
