package repository

import (
	"context"
	"database/sql"
)

// Store bundles the MySQL repositories behind one value so services can
// depend on a single transactional store.
type Store struct {
	db *sql.DB
	*TicketRepo
	*HoldRepo
	*PurchaseRepo
}

// NewStore returns a Store whose repositories share db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:           db,
		TicketRepo:   NewTicketRepo(db),
		HoldRepo:     NewHoldRepo(db),
		PurchaseRepo: NewPurchaseRepo(db),
	}
}

// WithTx runs fn in a single database transaction.  Repository calls made
// with the context passed to fn join that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.db, fn)
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }
