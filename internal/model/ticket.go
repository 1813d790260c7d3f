package model

import (
	"fmt"
	"strconv"
	"time"
)

// TicketState is the lifecycle state of a raffle ticket.  A ticket moves
// available -> held -> sold, or back from held to available when its hold
// expires or is released.  sold is terminal.
type TicketState string

const (
	TicketAvailable TicketState = "available"
	TicketHeld      TicketState = "held"
	TicketSold      TicketState = "sold"
)

// Valid reports whether s is one of the known ticket states.
func (s TicketState) Valid() bool {
	switch s {
	case TicketAvailable, TicketHeld, TicketSold:
		return true
	}
	return false
}

// Ticket is one numbered raffle ticket.  Tickets are seeded once from the
// configured pool and never created or destroyed afterwards; only State
// changes.
//
// Fields:
//
//	Number    – zero-padded ticket number, e.g. "007".
//	State     – current lifecycle state.
//	UpdatedAt – last time State changed.
type Ticket struct {
	Number    string      `json:"number"`
	State     TicketState `json:"state"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// NumberPool describes the contiguous range of ticket numbers on sale and
// how they are rendered.
type NumberPool struct {
	First int
	Last  int
	Width int // zero-padding width
}

// NewNumberPool builds a pool for first..last.  A width of zero derives the
// width from the last number with a minimum of three digits.
func NewNumberPool(first, last, width int) (NumberPool, error) {
	if first < 0 || last < first {
		return NumberPool{}, fmt.Errorf("invalid ticket range %d..%d", first, last)
	}
	minWidth := len(strconv.Itoa(last))
	if width == 0 {
		width = max(minWidth, 3)
	}
	if width < minWidth {
		return NumberPool{}, fmt.Errorf("ticket width %d too small for %d", width, last)
	}
	return NumberPool{First: first, Last: last, Width: width}, nil
}

// Size returns how many tickets the pool contains.
func (p NumberPool) Size() int { return p.Last - p.First + 1 }

// Format renders n with the pool's zero padding.
func (p NumberPool) Format(n int) string {
	return fmt.Sprintf("%0*d", p.Width, n)
}

// Numbers returns every ticket number of the pool in ascending order.
func (p NumberPool) Numbers() []string {
	out := make([]string, 0, p.Size())
	for n := p.First; n <= p.Last; n++ {
		out = append(out, p.Format(n))
	}
	return out
}

// Normalize parses a client supplied number ("7", "007") and returns its
// canonical padded form.  ok is false for non-numeric input or numbers
// outside the pool.
func (p NumberPool) Normalize(s string) (string, bool) {
	if s == "" || len(s) > p.Width {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < p.First || n > p.Last {
		return "", false
	}
	return p.Format(n), true
}
