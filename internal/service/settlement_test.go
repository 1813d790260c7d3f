package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/queue"
)

func approved(id, ref string) payment.Payment {
	return payment.Payment{ID: id, Status: payment.StatusApproved, Reference: ref, AmountCents: 2000, Currency: "BRL"}
}

func TestSettlementService_Approved(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001", "002")
	h.store.AttachBuyer(ctx, "A", []string{"001", "002"}, model.Buyer{Name: "Ana", Phone: "555"})
	h.gw.SetPayment(approved("pay-1", "A|001,002"))

	res, err := h.settle.Reconcile(ctx, "pay-1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != SettlementSold || !reflect.DeepEqual(res.Numbers, []string{"001", "002"}) {
		t.Fatalf("unexpected result %+v", res)
	}
	states := h.states(t, "001", "002")
	if states["001"] != model.TicketSold || states["002"] != model.TicketSold {
		t.Fatalf("expected sold, got %v", states)
	}
	p, _ := h.store.GetPurchase(ctx, "pay-1")
	if p == nil || p.Outcome != model.OutcomeApproved || p.Buyer.Name != "Ana" || p.AmountCents != 2000 {
		t.Fatalf("unexpected purchase %+v", p)
	}
	if len(h.events.sold) != 1 || h.events.sold[0].PaymentID != "pay-1" {
		t.Fatalf("expected one sold event, got %+v", h.events.sold)
	}
	h.assertLockstep(t)

	// re-delivery
	for i := 0; i < 3; i++ {
		res, err = h.settle.Reconcile(ctx, "pay-1")
		if err != nil || res.Outcome != SettlementDuplicate {
			t.Fatalf("duplicate delivery: %+v %v", res, err)
		}
	}
	purchases, _ := h.store.ListPurchases(ctx)
	if len(purchases) != 1 {
		t.Fatalf("expected exactly one purchase, got %d", len(purchases))
	}
	if len(h.events.sold) != 1 {
		t.Fatalf("duplicates must not publish again")
	}
}

func TestSettlementService_ApprovedAfterExpiryBeforeReap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001")
	h.clock.Advance(testTTL + time.Minute)
	h.gw.SetPayment(approved("pay-1", "A|001"))

	res, err := h.settle.Reconcile(ctx, "pay-1")
	if err != nil || res.Outcome != SettlementSold {
		t.Fatalf("expired but unreaped hold must still sell: %+v %v", res, err)
	}
	if st := h.states(t, "001")["001"]; st != model.TicketSold {
		t.Fatalf("expected sold, got %s", st)
	}
}

func TestSettlementService_ApprovedAfterReapIsConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001", "002")
	h.clock.Advance(testTTL)
	h.mustHold(t, "B", "002") // reaps A's holds first
	h.gw.SetPayment(approved("pay-1", "A|001,002"))

	res, err := h.settle.Reconcile(ctx, "pay-1")
	var conflict *ReconciliationConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ReconciliationConflict, got %v", err)
	}
	if res.Outcome != SettlementConflict {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if !reflect.DeepEqual(conflict.Numbers, []string{"001", "002"}) {
		t.Fatalf("expected both numbers in conflict, got %v", conflict.Numbers)
	}
	if conflict.States["001"] != model.TicketAvailable || conflict.States["002"] != model.TicketHeld {
		t.Fatalf("unexpected conflict states %v", conflict.States)
	}
	if st := h.states(t, "002")["002"]; st != model.TicketHeld {
		t.Fatalf("B's hold must not be touched, got %s", st)
	}
	conflicts, _ := h.store.ListConflicts(ctx)
	if len(conflicts) != 1 || conflicts[0].PaymentID != "pay-1" {
		t.Fatalf("expected recorded conflict, got %+v", conflicts)
	}
	if len(h.events.conflicts) != 1 {
		t.Fatalf("expected one conflict alert, got %d", len(h.events.conflicts))
	}

	// a re-delivery reports the conflict again without a second alert
	if _, err := h.settle.Reconcile(ctx, "pay-1"); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict again, got %v", err)
	}
	if len(h.events.conflicts) != 1 {
		t.Fatalf("conflict alert must be sent once, got %d", len(h.events.conflicts))
	}
	h.assertLockstep(t)
}

func TestSettlementService_PartialConflictSellsTheRest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001", "002")
	h.res.Release(ctx, "A", []string{"002"})
	h.mustHold(t, "C", "002")
	h.gw.SetPayment(approved("pay-1", "A|001,002"))

	res, err := h.settle.Reconcile(ctx, "pay-1")
	var conflict *ReconciliationConflict
	if !errors.As(err, &conflict) || !reflect.DeepEqual(conflict.Numbers, []string{"002"}) {
		t.Fatalf("expected conflict on 002, got %v", err)
	}
	if !reflect.DeepEqual(res.Numbers, []string{"001"}) {
		t.Fatalf("expected 001 sold, got %v", res.Numbers)
	}
	states := h.states(t, "001", "002")
	if states["001"] != model.TicketSold || states["002"] != model.TicketHeld {
		t.Fatalf("unexpected states %v", states)
	}
	if res, err := h.settle.Reconcile(ctx, "pay-1"); err != nil || res.Outcome != SettlementDuplicate {
		t.Fatalf("after a purchase exists re-delivery is a duplicate: %+v %v", res, err)
	}
	h.assertLockstep(t)
}

func TestSettlementService_Rejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "003")
	h.gw.SetPayment(payment.Payment{ID: "pay-2", Status: payment.StatusRejected, Reference: "A|003"})

	res, err := h.settle.Reconcile(ctx, "pay-2")
	if err != nil || res.Outcome != SettlementReleased || !reflect.DeepEqual(res.Numbers, []string{"003"}) {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if st := h.states(t, "003")["003"]; st != model.TicketAvailable {
		t.Fatalf("expected available, got %s", st)
	}
	p, _ := h.store.GetPurchase(ctx, "pay-2")
	if p == nil || p.Outcome != model.OutcomeRejected {
		t.Fatalf("expected audit purchase, got %+v", p)
	}
	if res, _ := h.settle.Reconcile(ctx, "pay-2"); res.Outcome != SettlementDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Outcome)
	}
	h.assertLockstep(t)
}

func TestSettlementService_PendingChangesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "004")

	for _, st := range []payment.Status{payment.StatusPending, payment.StatusInProcess, payment.StatusAuthorized} {
		h.gw.SetPayment(payment.Payment{ID: "pay-3", Status: st, Reference: "A|004"})
		res, err := h.settle.Reconcile(ctx, "pay-3")
		if err != nil || res.Outcome != SettlementPending {
			t.Fatalf("%s: unexpected %+v %v", st, res, err)
		}
	}
	if st := h.states(t, "004")["004"]; st != model.TicketHeld {
		t.Fatalf("expected held, got %s", st)
	}

	// approval arriving after the pending notifications still settles
	h.gw.SetPayment(approved("pay-3", "A|004"))
	if res, err := h.settle.Reconcile(ctx, "pay-3"); err != nil || res.Outcome != SettlementSold {
		t.Fatalf("unexpected %+v %v", res, err)
	}
}

func TestSettlementService_UndecodableReference(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.gw.SetPayment(approved("pay-4", "garbage"))

	_, err := h.settle.Reconcile(ctx, "pay-4")
	var conflict *ReconciliationConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	conflicts, _ := h.store.ListConflicts(ctx)
	if len(conflicts) != 1 {
		t.Fatalf("expected recorded conflict, got %v", conflicts)
	}
}

func TestSettlementService_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	var verr *ValidationError
	if _, err := h.settle.Reconcile(ctx, ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	var upstream *UpstreamError
	if _, err := h.settle.Reconcile(ctx, "unknown"); !errors.As(err, &upstream) || !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("expected upstream not found, got %v", err)
	}

	h.gw.GetErr = errors.New("timeout")
	if _, err := h.settle.Reconcile(ctx, "pay-1"); !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestSettlementService_HandleNotification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001")
	h.gw.SetPayment(approved("pay-1", "A|001"))
	h.gw.SetPayment(approved("pay-2", "A|009"))

	if err := h.settle.HandleNotification(ctx, queue.PaymentNotification{Type: "merchant_order", PaymentID: "x"}); err != nil {
		t.Fatalf("other types must be acked, got %v", err)
	}
	if err := h.settle.HandleNotification(ctx, queue.PaymentNotification{Type: "payment", PaymentID: "pay-1"}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if st := h.states(t, "001")["001"]; st != model.TicketSold {
		t.Fatalf("expected sold, got %s", st)
	}
	if err := h.settle.HandleNotification(ctx, queue.PaymentNotification{Type: "payment", PaymentID: "pay-2"}); err != nil {
		t.Fatalf("conflicts must be acked, got %v", err)
	}


	h.gw.GetErr = errors.New("503")
	if err := h.settle.HandleNotification(ctx, queue.PaymentNotification{Type: "payment", PaymentID: "pay-1"}); err == nil {
		t.Fatalf("upstream failures must be returned for requeue")
	}
}

func TestSettlementService_NotificationBeforePaymentVisible(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "007")
	n := queue.PaymentNotification{Type: "payment", PaymentID: "pay-1"}

	err := h.settle.HandleNotification(ctx, n)
	if !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("a payment the processor cannot show yet must be retried, got %v", err)
	}

	// the redelivery finds the payment and sells the ticket
	h.gw.SetPayment(approved("pay-1", "A|007"))
	if err := h.settle.HandleNotification(ctx, n); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	h.clock.Advance(testTTL)
	if _, err := h.res.ReapExpired(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if st := h.states(t, "007")["007"]; st != model.TicketSold {
		t.Fatalf("expected sold, got %s", st)
	}
	if p, _ := h.store.GetPurchase(ctx, "pay-1"); p == nil {
		t.Fatalf("expected a purchase for pay-1")
	}
}

func TestSettlementService_ConcurrentDeliveries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "001", "002")
	h.gw.SetPayment(approved("pay-1", "A|001,002"))

	var wg sync.WaitGroup
	outcomes := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.settle.Reconcile(ctx, "pay-1")
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	sold := 0
	for o := range outcomes {
		if o == SettlementSold {
			sold++
		} else if o != SettlementDuplicate {
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if sold != 1 {
		t.Fatalf("expected exactly one delivery to sell, got %d", sold)
	}
	purchases, _ := h.store.ListPurchases(ctx)
	if len(purchases) != 1 || len(h.events.sold) != 1 {
		t.Fatalf("expected one purchase and one event, got %d and %d", len(purchases), len(h.events.sold))
	}
	h.assertLockstep(t)
}

func TestSettlementService_ConcurrentDeliveriesRacingReaper(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.mustHold(t, "A", "003")
	h.gw.SetPayment(approved("pay-1", "A|003"))
	h.clock.Advance(testTTL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			var conflict *ReconciliationConflict
			if _, err := h.settle.Reconcile(ctx, "pay-1"); err != nil && !errors.As(err, &conflict) {
				t.Errorf("reconcile: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := h.res.ReapExpired(ctx); err != nil {
				t.Errorf("reap: %v", err)
			}
		}()
	}
	wg.Wait()

	// Whichever ran first, the payment lands in exactly one ledger.
	p, _ := h.store.GetPurchase(ctx, "pay-1")
	conflicts, _ := h.store.ListConflicts(ctx)
	st := h.states(t, "003")["003"]
	switch {
	case p != nil:
		if st != model.TicketSold || len(conflicts) != 0 {
			t.Fatalf("sold path: state=%s conflicts=%d", st, len(conflicts))
		}
	case len(conflicts) == 1:
		if st != model.TicketAvailable || len(h.events.conflicts) != 1 {
			t.Fatalf("conflict path: state=%s alerts=%d", st, len(h.events.conflicts))
		}
	default:
		t.Fatalf("payment neither sold nor recorded as a conflict")
	}
	h.assertLockstep(t)
}
