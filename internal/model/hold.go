package model

import (
	"errors"
	"time"
)

// Buyer is the contact information a shopper attaches at checkout.
type Buyer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Hold is a temporary, expiring claim on one ticket by one holder.  A Hold
// row exists exactly when its ticket is in the held state.  Expiry is
// derived from ExpiresAt and the current time; nothing flips it.
//
// Fields:
//
//	Number    – ticket the hold applies to (one hold per ticket).
//	HolderID  – opaque client token of the shopper.
//	Buyer     – contact attached once checkout starts (may be empty).
//	CreatedAt – when the hold was taken.
//	ExpiresAt – CreatedAt plus the configured hold TTL.
type Hold struct {
	Number    string    `json:"number"`
	HolderID  string    `json:"holderId"`
	Buyer     Buyer     `json:"buyer"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the hold is past its deadline at now.  A hold
// expires at exactly ExpiresAt.
func (h Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// HoldNumbers extracts the ticket numbers of holds in order.
func HoldNumbers(holds []Hold) []string {
	out := make([]string, 0, len(holds))
	for _, h := range holds {
		out = append(out, h.Number)
	}
	return out
}

// ErrDuplicateHold is returned by stores when a ticket already has a hold
// row.
var ErrDuplicateHold = errors.New("ticket already has a hold")
