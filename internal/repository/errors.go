// Package repository implements the MySQL stores behind the raffle: the
// ticket table, the hold ledger and the purchase and conflict logs.
package repository

import "github.com/iliyamo/raffle-reservation/internal/model"

// ErrConflict is returned when a hold row already exists for a ticket.  It
// is the same value the other stores use so services can match it.
var ErrConflict = model.ErrDuplicateHold
