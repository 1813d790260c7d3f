package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/clock"
	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/queue"
	"github.com/iliyamo/raffle-reservation/internal/repository/boltstore"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

const testTTL = 5 * time.Minute

type harness struct {
	store  *boltstore.Store
	clock  *clock.Manual
	gw     *payment.Fake
	events *fakePublisher
	res    *ReservationService
	settle *SettlementService
}

// newHarness seeds tickets 001..010 in a fresh Bolt file.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := boltstore.New(filepath.Join(t.TempDir(), "raffle.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool, err := model.NewNumberPool(1, 10, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	h := &harness{
		store:  store,
		clock:  clock.NewManual(t0),
		gw:     payment.NewFake("https://pay.test/checkout"),
		events: &fakePublisher{},
	}
	h.res = NewReservationService(store, h.gw, pool, h.clock,
		WithHoldTTL(testTTL),
		WithMaxTicketsPerHold(5),
		WithCheckout(CheckoutConfig{Title: "Raffle", UnitPriceCents: 1000, Currency: "BRL"}),
	)
	h.settle = NewSettlementService(store, h.gw, h.clock, WithEventPublisher(h.events))
	if _, err := h.res.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return h
}

func (h *harness) states(t *testing.T, numbers ...string) map[string]model.TicketState {
	t.Helper()
	states, err := h.store.TicketStates(context.Background(), numbers)
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	return states
}

func (h *harness) mustHold(t *testing.T, holder string, numbers ...string) {
	t.Helper()
	if _, err := h.res.Hold(context.Background(), holder, numbers); err != nil {
		t.Fatalf("hold %v for %s: %v", numbers, holder, err)
	}
}

// assertLockstep checks that a ticket is held exactly when it has a hold
// row.
func (h *harness) assertLockstep(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	tickets, err := h.store.ListTickets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	nums := make([]string, 0, len(tickets))
	for _, tk := range tickets {
		nums = append(nums, tk.Number)
	}
	holds, err := h.store.HoldsByNumbers(ctx, nums)
	if err != nil {
		t.Fatalf("holds: %v", err)
	}
	hasHold := make(map[string]bool, len(holds))
	for _, hd := range holds {
		hasHold[hd.Number] = true
	}
	for _, tk := range tickets {
		if (tk.State == model.TicketHeld) != hasHold[tk.Number] {
			t.Fatalf("lockstep broken for %s: state=%s hold=%v", tk.Number, tk.State, hasHold[tk.Number])
		}
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	sold      []queue.TicketsSoldEvent
	conflicts []queue.SettlementConflictEvent
}

func (f *fakePublisher) PublishTicketsSold(ctx context.Context, ev queue.TicketsSoldEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sold = append(f.sold, ev)
	return nil
}

func (f *fakePublisher) PublishSettlementConflict(ctx context.Context, ev queue.SettlementConflictEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts = append(f.conflicts, ev)
	return nil
}
