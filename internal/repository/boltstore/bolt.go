// Package boltstore provides a BoltDB-backed implementation of the raffle
// stores.  Everything lives in a single file, which suits single-instance
// deployments and tests that need a real transactional store without a
// database server.
//
// Bolt allows one read-write transaction at a time.  That serialization is
// what makes the conditional ticket transitions atomic here: two holds on
// the same ticket can never interleave.
package boltstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

var (
	ticketsBucket   = []byte("tickets")
	holdsBucket     = []byte("holds")
	purchasesBucket = []byte("purchases")
	conflictsBucket = []byte("conflicts")
)

// Store wraps a BoltDB database and implements the ticket store, hold
// ledger and purchase log.
type Store struct {
	db *bolt.DB
}

type txKey struct{}

// New opens (or creates) a BoltDB database at path and ensures every bucket
// exists.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{ticketsBucket, holdsBucket, purchasesBucket, conflictsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping fails once the database file has been closed.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one read-write transaction.  Store calls made with
// the context passed to fn join it; an error from fn discards every write.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func txFromContext(ctx context.Context) *bolt.Tx {
	tx, _ := ctx.Value(txKey{}).(*bolt.Tx)
	return tx
}

func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := txFromContext(ctx); tx != nil {
		return fn(tx)
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := txFromContext(ctx); tx != nil {
		return fn(tx)
	}
	return s.db.View(fn)
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get[T any](b *bolt.Bucket, key string) (*T, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SeedTickets inserts missing numbers as available and leaves existing
// tickets untouched.
func (s *Store) SeedTickets(ctx context.Context, numbers []string, at time.Time) (int, error) {
	created := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		for _, n := range numbers {
			if b.Get([]byte(n)) != nil {
				continue
			}
			if err := put(b, n, model.Ticket{Number: n, State: model.TicketAvailable, UpdatedAt: at.UTC()}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// ListTickets returns every ticket.  Keys are zero-padded so Bolt's byte
// order is numeric order.
func (s *Store) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	tickets := []model.Ticket{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(ticketsBucket).ForEach(func(k, v []byte) error {
			var t model.Ticket
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tickets = append(tickets, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// TicketStates returns the state of each known number.
func (s *Store) TicketStates(ctx context.Context, numbers []string) (map[string]model.TicketState, error) {
	states := make(map[string]model.TicketState, len(numbers))
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		for _, n := range numbers {
			t, err := get[model.Ticket](b, n)
			if err != nil {
				return err
			}
			if t != nil {
				states[n] = t.State
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// TransitionTickets moves tickets currently in from to to and returns how
// many moved.
func (s *Store) TransitionTickets(ctx context.Context, numbers []string, from, to model.TicketState, at time.Time) (int, error) {
	moved := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		seen := make(map[string]bool, len(numbers))
		for _, n := range numbers {
			if seen[n] {
				continue
			}
			seen[n] = true
			t, err := get[model.Ticket](b, n)
			if err != nil {
				return err
			}
			if t == nil || t.State != from {
				continue
			}
			t.State = to
			t.UpdatedAt = at.UTC()
			if err := put(b, n, t); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// CreateHolds writes ledger rows for holds.  It fails with
// model.ErrDuplicateHold, writing nothing, when any ticket already has a
// row.
func (s *Store) CreateHolds(ctx context.Context, holds []model.Hold) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(holdsBucket)
		for _, h := range holds {
			if b.Get([]byte(h.Number)) != nil {
				return model.ErrDuplicateHold
			}
		}
		for _, h := range holds {
			if err := put(b, h.Number, h); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindHolds returns the holds on numbers owned by holderID.
func (s *Store) FindHolds(ctx context.Context, holderID string, numbers []string) ([]model.Hold, error) {
	holds, err := s.HoldsByNumbers(ctx, numbers)
	if err != nil {
		return nil, err
	}
	out := holds[:0]
	for _, h := range holds {
		if h.HolderID == holderID {
			out = append(out, h)
		}
	}
	return out, nil
}

// HoldsByNumbers returns the holds on numbers regardless of owner, ordered
// by number.
func (s *Store) HoldsByNumbers(ctx context.Context, numbers []string) ([]model.Hold, error) {
	holds := []model.Hold{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(holdsBucket)
		seen := make(map[string]bool, len(numbers))
		for _, n := range numbers {
			if seen[n] {
				continue
			}
			seen[n] = true
			h, err := get[model.Hold](b, n)
			if err != nil {
				return err
			}
			if h != nil {
				holds = append(holds, *h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].Number < holds[j].Number })
	return holds, nil
}

// DeleteHolds removes the holds on numbers, restricted to holderID when it
// is non-empty.
func (s *Store) DeleteHolds(ctx context.Context, holderID string, numbers []string) (int, error) {
	deleted := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(holdsBucket)
		for _, n := range numbers {
			h, err := get[model.Hold](b, n)
			if err != nil {
				return err
			}
			if h == nil || (holderID != "" && h.HolderID != holderID) {
				continue
			}
			if err := b.Delete([]byte(n)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListExpiredHolds returns up to limit holds whose deadline is at or before
// now, oldest first.
func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error) {
	expired := []model.Hold{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(holdsBucket).ForEach(func(k, v []byte) error {
			var h model.Hold
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.Expired(now) {
				expired = append(expired, h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
		}
		return expired[i].Number < expired[j].Number
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// AttachBuyer stores buyer contact on the holder's holds and returns how
// many matched.
func (s *Store) AttachBuyer(ctx context.Context, holderID string, numbers []string, buyer model.Buyer) (int, error) {
	matched := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(holdsBucket)
		for _, n := range numbers {
			h, err := get[model.Hold](b, n)
			if err != nil {
				return err
			}
			if h == nil || h.HolderID != holderID {
				continue
			}
			h.Buyer = buyer
			if err := put(b, n, h); err != nil {
				return err
			}
			matched++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

// CreatePurchase persists p only if no purchase with the same payment id
// exists.  created reports whether a write happened.
func (s *Store) CreatePurchase(ctx context.Context, p model.Purchase) (bool, error) {
	created := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(purchasesBucket)
		if b.Get([]byte(p.PaymentID)) != nil {
			return nil
		}
		p.ResolvedAt = p.ResolvedAt.UTC()
		if err := put(b, p.PaymentID, p); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetPurchase returns the purchase for paymentID, or nil when none exists.
func (s *Store) GetPurchase(ctx context.Context, paymentID string) (*model.Purchase, error) {
	var p *model.Purchase
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		p, err = get[model.Purchase](tx.Bucket(purchasesBucket), paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPurchases returns every purchase, newest first.
func (s *Store) ListPurchases(ctx context.Context) ([]model.Purchase, error) {
	out := []model.Purchase{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(purchasesBucket).ForEach(func(k, v []byte) error {
			var p model.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return out, nil
}

// RecordConflict stores c unless a conflict for the same payment exists.
func (s *Store) RecordConflict(ctx context.Context, c model.Conflict) (bool, error) {
	created := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(conflictsBucket)
		if b.Get([]byte(c.PaymentID)) != nil {
			return nil
		}
		c.DetectedAt = c.DetectedAt.UTC()
		if err := put(b, c.PaymentID, c); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ListConflicts returns every recorded settlement conflict, newest first.
func (s *Store) ListConflicts(ctx context.Context) ([]model.Conflict, error) {
	out := []model.Conflict{}
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(k, v []byte) error {
			var c model.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}
