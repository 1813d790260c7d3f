package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

// PurchaseRepo provides data access to purchases, purchase_tickets and
// settlement_conflicts.  Rows are append-only and keyed by payment id.
type PurchaseRepo struct {
	db *sql.DB
}

// NewPurchaseRepo returns a PurchaseRepo bound to db.
func NewPurchaseRepo(db *sql.DB) *PurchaseRepo { return &PurchaseRepo{db: db} }

// CreatePurchase inserts p unless a purchase with the same payment id
// already exists.  created is false for the duplicate case, in which case
// nothing is written.
func (r *PurchaseRepo) CreatePurchase(ctx context.Context, p model.Purchase) (bool, error) {
	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, `
INSERT IGNORE INTO purchases
    (payment_id, holder_id, buyer_name, buyer_phone, outcome, payment_status, amount_cents, currency, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaymentID, p.HolderID, p.Buyer.Name, p.Buyer.Phone, p.Outcome, p.PaymentStatus, p.AmountCents, p.Currency, p.ResolvedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("create purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if len(p.Numbers) == 0 {
		return true, nil
	}

	query := `INSERT INTO purchase_tickets (payment_id, number) VALUES `
	args := make([]any, 0, len(p.Numbers)*2)
	for i, num := range p.Numbers {
		if i > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, p.PaymentID, num)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("create purchase tickets: %w", err)
	}
	return true, nil
}

const purchaseSelect = `
SELECT p.payment_id, p.holder_id, p.buyer_name, p.buyer_phone, p.outcome, p.payment_status,
       p.amount_cents, p.currency, p.resolved_at,
       COALESCE(GROUP_CONCAT(pt.number ORDER BY pt.number SEPARATOR ','), '')
FROM purchases p
LEFT JOIN purchase_tickets pt ON pt.payment_id = p.payment_id`

// GetPurchase returns the purchase for paymentID, or nil when none exists.
func (r *PurchaseRepo) GetPurchase(ctx context.Context, paymentID string) (*model.Purchase, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, purchaseSelect+`
WHERE p.payment_id = ?
GROUP BY p.payment_id`, paymentID)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return &p, nil
}

// ListPurchases returns every purchase, newest first.
func (r *PurchaseRepo) ListPurchases(ctx context.Context) ([]model.Purchase, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, purchaseSelect+`
GROUP BY p.payment_id
ORDER BY p.resolved_at DESC, p.payment_id`)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	out := []model.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(s rowScanner) (model.Purchase, error) {
	var (
		p       model.Purchase
		numbers string
	)
	if err := s.Scan(&p.PaymentID, &p.HolderID, &p.Buyer.Name, &p.Buyer.Phone, &p.Outcome, &p.PaymentStatus,
		&p.AmountCents, &p.Currency, &p.ResolvedAt, &numbers); err != nil {
		return model.Purchase{}, err
	}
	p.Numbers = splitNumbers(numbers)
	return p, nil
}

// RecordConflict stores c unless a conflict for the same payment was
// already recorded.
func (r *PurchaseRepo) RecordConflict(ctx context.Context, c model.Conflict) (bool, error) {
	states, err := json.Marshal(c.States)
	if err != nil {
		return false, err
	}
	res, err := conn(ctx, r.db).ExecContext(ctx, `
INSERT IGNORE INTO settlement_conflicts
    (payment_id, holder_id, numbers, ticket_states, reason, payment_status, detected_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.PaymentID, c.HolderID, strings.Join(c.Numbers, ","), string(states), c.Reason, c.PaymentStatus, c.DetectedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record conflict: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListConflicts returns every recorded settlement conflict, newest first.
func (r *PurchaseRepo) ListConflicts(ctx context.Context) ([]model.Conflict, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `
SELECT payment_id, holder_id, numbers, ticket_states, reason, payment_status, detected_at
FROM settlement_conflicts
ORDER BY detected_at DESC, payment_id`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []model.Conflict{}
	for rows.Next() {
		var (
			c       model.Conflict
			numbers string
			states  string
		)
		if err := rows.Scan(&c.PaymentID, &c.HolderID, &numbers, &states, &c.Reason, &c.PaymentStatus, &c.DetectedAt); err != nil {
			return nil, err
		}
		c.Numbers = splitNumbers(numbers)
		if err := json.Unmarshal([]byte(states), &c.States); err != nil {
			return nil, fmt.Errorf("decode conflict states for %s: %w", c.PaymentID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func splitNumbers(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
