package service

import (
	"context"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
)

// Transactor runs fn as one atomic unit.  Store calls made with the context
// handed to fn take part in the transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TicketStore is the durable record of every ticket's state.
type TicketStore interface {
	SeedTickets(ctx context.Context, numbers []string, at time.Time) (int, error)
	ListTickets(ctx context.Context) ([]model.Ticket, error)
	TicketStates(ctx context.Context, numbers []string) (map[string]model.TicketState, error)
	TransitionTickets(ctx context.Context, numbers []string, from, to model.TicketState, at time.Time) (int, error)
}

// HoldLedger is the durable record of active holds.  Reads made inside a
// transaction lock the returned rows.
type HoldLedger interface {
	CreateHolds(ctx context.Context, holds []model.Hold) error
	FindHolds(ctx context.Context, holderID string, numbers []string) ([]model.Hold, error)
	HoldsByNumbers(ctx context.Context, numbers []string) ([]model.Hold, error)
	DeleteHolds(ctx context.Context, holderID string, numbers []string) (int, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error)
	AttachBuyer(ctx context.Context, holderID string, numbers []string, buyer model.Buyer) (int, error)
}

// PurchaseLog is the append-only record of settled payments and of the
// conflicts found while settling them.
type PurchaseLog interface {
	CreatePurchase(ctx context.Context, p model.Purchase) (bool, error)
	GetPurchase(ctx context.Context, paymentID string) (*model.Purchase, error)
	ListPurchases(ctx context.Context) ([]model.Purchase, error)
	RecordConflict(ctx context.Context, c model.Conflict) (bool, error)
	ListConflicts(ctx context.Context) ([]model.Conflict, error)
}

// Store is everything the services need from persistence.
type Store interface {
	Transactor
	TicketStore
	HoldLedger
	PurchaseLog
}

// Gateway is the payment processor as seen by the services.
type Gateway interface {
	CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error)
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
}
