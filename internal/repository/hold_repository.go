package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

// HoldRepo provides data access to the ticket_holds table, the ledger that
// backs every held ticket.  Expiry is never written: callers compare
// expires_at against their clock.  All timestamps are UTC.
type HoldRepo struct {
	db *sql.DB
}

// NewHoldRepo returns a HoldRepo bound to db.
func NewHoldRepo(db *sql.DB) *HoldRepo { return &HoldRepo{db: db} }

const holdColumns = `number, holder_id, buyer_name, buyer_phone, created_at, expires_at`

// CreateHolds inserts the holds in a single statement.  A duplicate number
// means the ledger already has a row for that ticket and is reported as
// ErrConflict.
func (r *HoldRepo) CreateHolds(ctx context.Context, holds []model.Hold) error {
	if len(holds) == 0 {
		return nil
	}
	query := `INSERT INTO ticket_holds (` + holdColumns + `) VALUES `
	args := make([]any, 0, len(holds)*6)
	for i, h := range holds {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?)"
		args = append(args, h.Number, h.HolderID, h.Buyer.Name, h.Buyer.Phone, h.CreatedAt.UTC(), h.ExpiresAt.UTC())
	}
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("create holds: %w", err)
	}
	return nil
}

// FindHolds returns the holds on numbers owned by holderID, expired or not.
// Inside a transaction the rows stay locked until commit.
func (r *HoldRepo) FindHolds(ctx context.Context, holderID string, numbers []string) ([]model.Hold, error) {
	if len(numbers) == 0 {
		return []model.Hold{}, nil
	}
	in, inArgs := inClause(numbers)
	args := append([]any{holderID}, inArgs...)
	return r.query(ctx,
		`SELECT `+holdColumns+` FROM ticket_holds WHERE holder_id = ? AND number IN `+in+` ORDER BY number`+forUpdate(ctx),
		args...)
}

// HoldsByNumbers returns the holds on numbers regardless of owner.
func (r *HoldRepo) HoldsByNumbers(ctx context.Context, numbers []string) ([]model.Hold, error) {
	if len(numbers) == 0 {
		return []model.Hold{}, nil
	}
	in, args := inClause(numbers)
	return r.query(ctx,
		`SELECT `+holdColumns+` FROM ticket_holds WHERE number IN `+in+` ORDER BY number`+forUpdate(ctx),
		args...)
}

// DeleteHolds removes the holds on numbers.  A non-empty holderID restricts
// the delete to that holder's rows.  It returns the number of rows removed.
func (r *HoldRepo) DeleteHolds(ctx context.Context, holderID string, numbers []string) (int, error) {
	if len(numbers) == 0 {
		return 0, nil
	}
	in, args := inClause(numbers)
	query := `DELETE FROM ticket_holds WHERE number IN ` + in
	if holderID != "" {
		query += ` AND holder_id = ?`
		args = append(args, holderID)
	}
	res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete holds: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListExpiredHolds returns up to limit holds whose deadline is at or before
// now, oldest first.  Inside a transaction the rows are locked; rows already
// locked by a concurrent settlement or sweep are skipped.
func (r *HoldRepo) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]model.Hold, error) {
	lock := ""
	if txFromContext(ctx) != nil {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	return r.query(ctx,
		`SELECT `+holdColumns+` FROM ticket_holds WHERE expires_at <= ? ORDER BY expires_at, number LIMIT ?`+lock,
		now.UTC(), limit)
}

// AttachBuyer stores buyer contact on the holder's holds.  It returns how
// many rows matched.
func (r *HoldRepo) AttachBuyer(ctx context.Context, holderID string, numbers []string, buyer model.Buyer) (int, error) {
	if len(numbers) == 0 {
		return 0, nil
	}
	in, inArgs := inClause(numbers)
	args := append([]any{buyer.Name, buyer.Phone, holderID}, inArgs...)
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE ticket_holds SET buyer_name = ?, buyer_phone = ? WHERE holder_id = ? AND number IN `+in, args...)
	if err != nil {
		return 0, fmt.Errorf("attach buyer: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *HoldRepo) query(ctx context.Context, query string, args ...any) ([]model.Hold, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query holds: %w", err)
	}
	defer rows.Close()

	holds := []model.Hold{}
	for rows.Next() {
		var h model.Hold
		if err := rows.Scan(&h.Number, &h.HolderID, &h.Buyer.Name, &h.Buyer.Phone, &h.CreatedAt, &h.ExpiresAt); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holds, nil
}
