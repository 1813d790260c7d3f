package model

import "time"

// Outcome is the terminal result of a payment as recorded on a Purchase.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Purchase is the append-only record of a payment reaching a terminal
// outcome.  It is keyed by the processor's payment id so a re-delivered
// notification finds the existing row and does nothing.
//
// Fields:
//
//	PaymentID     – processor payment id (primary key).
//	HolderID      – holder decoded from the payment reference.
//	Buyer         – buyer contact copied from the holds.
//	Numbers       – tickets sold (approved) or released (rejected).
//	Outcome       – approved or rejected.
//	PaymentStatus – raw processor status, e.g. "approved", "cancelled".
//	AmountCents   – amount charged in minor units.
//	Currency      – ISO currency code.
//	ResolvedAt    – when reconciliation recorded the outcome.
type Purchase struct {
	PaymentID     string    `json:"paymentId"`
	HolderID      string    `json:"holderId"`
	Buyer         Buyer     `json:"buyer"`
	Numbers       []string  `json:"numbers"`
	Outcome       Outcome   `json:"outcome"`
	PaymentStatus string    `json:"paymentStatus"`
	AmountCents   int64     `json:"amountCents"`
	Currency      string    `json:"currency"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

// Conflict records an approved payment whose tickets could not all be
// matched to holds owned by the paying holder.  Conflicts are never
// resolved automatically; operators read them through the operator API.
type Conflict struct {
	PaymentID     string                 `json:"paymentId"`
	HolderID      string                 `json:"holderId"`
	Numbers       []string               `json:"numbers"`
	States        map[string]TicketState `json:"states"`
	Reason        string                 `json:"reason"`
	PaymentStatus string                 `json:"paymentStatus"`
	DetectedAt    time.Time              `json:"detectedAt"`
}
