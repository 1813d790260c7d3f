package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/model"
)

// TicketRepo provides data access to the tickets table.  Every state change
// goes through TransitionTickets, a conditional bulk update whose affected
// row count tells the caller how many tickets really moved.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a TicketRepo bound to db.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// seedBatch bounds the placeholder count of a single seeding INSERT.
const seedBatch = 500

// SeedTickets inserts the given numbers as available.  Numbers that already
// exist keep their state, so seeding on every startup is safe.  It returns
// how many rows were newly created.
func (r *TicketRepo) SeedTickets(ctx context.Context, numbers []string, at time.Time) (int, error) {
	created := 0
	for start := 0; start < len(numbers); start += seedBatch {
		end := min(start+seedBatch, len(numbers))
		query := `INSERT IGNORE INTO tickets (number, state, updated_at) VALUES `
		args := make([]any, 0, (end-start)*3)
		for i, n := range numbers[start:end] {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?)"
			args = append(args, n, model.TicketAvailable, at.UTC())
		}
		res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
		if err != nil {
			return created, fmt.Errorf("seed tickets: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, err
		}
		created += int(n)
	}
	return created, nil
}

// ListTickets returns every ticket ordered by number.
func (r *TicketRepo) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT number, state, updated_at FROM tickets ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []model.Ticket{}
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.Number, &t.State, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// TicketStates returns the current state of each requested number.  Unknown
// numbers are absent from the map.  Inside a transaction the rows are
// locked until commit.
func (r *TicketRepo) TicketStates(ctx context.Context, numbers []string) (map[string]model.TicketState, error) {
	states := make(map[string]model.TicketState, len(numbers))
	if len(numbers) == 0 {
		return states, nil
	}
	in, args := inClause(numbers)
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT number, state FROM tickets WHERE number IN `+in+` ORDER BY number`+forUpdate(ctx), args...)
	if err != nil {
		return nil, fmt.Errorf("ticket states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			n string
			s model.TicketState
		)
		if err := rows.Scan(&n, &s); err != nil {
			return nil, err
		}
		states[n] = s
	}
	return states, rows.Err()
}

// TransitionTickets moves the listed tickets from one state to another, but
// only those currently in from.  The returned count is the number of rows
// that actually changed.
func (r *TicketRepo) TransitionTickets(ctx context.Context, numbers []string, from, to model.TicketState, at time.Time) (int, error) {
	if len(numbers) == 0 {
		return 0, nil
	}
	in, inArgs := inClause(numbers)
	args := append([]any{to, at.UTC(), from}, inArgs...)
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE tickets SET state = ?, updated_at = ? WHERE state = ? AND number IN `+in, args...)
	if err != nil {
		return 0, fmt.Errorf("transition tickets %s->%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
