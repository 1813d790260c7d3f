package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/clock"
	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
	"github.com/iliyamo/raffle-reservation/internal/queue"
)

// EventPublisher announces settlement outcomes to other systems.  Publish
// failures are logged and never undo a settlement.
type EventPublisher interface {
	PublishTicketsSold(ctx context.Context, ev queue.TicketsSoldEvent) error
	PublishSettlementConflict(ctx context.Context, ev queue.SettlementConflictEvent) error
}

// Settlement outcomes reported in SettlementResult.
const (
	SettlementSold      = "sold"
	SettlementReleased  = "released"
	SettlementPending   = "pending"
	SettlementDuplicate = "duplicate"
	SettlementConflict  = "conflict"
)

// SettlementResult summarizes one Reconcile call.
type SettlementResult struct {
	PaymentID string         `json:"paymentId"`
	Status    payment.Status `json:"status"`
	Outcome   string         `json:"outcome"`
	Numbers   []string       `json:"numbers"`
}

// SettlementService turns payment outcomes into final ticket states.  Only
// the payment id is taken from a notification; everything else comes from
// the processor.
type SettlementService struct {
	store   Store
	gateway Gateway
	clock   clock.Clock
	events  EventPublisher
	log     *slog.Logger
}

// SettlementOption customizes a SettlementService.
type SettlementOption func(*SettlementService)

// WithEventPublisher sets where sold and conflict events go.
func WithEventPublisher(p EventPublisher) SettlementOption {
	return func(s *SettlementService) { s.events = p }
}

// WithSettlementLogger sets the logger.
func WithSettlementLogger(l *slog.Logger) SettlementOption {
	return func(s *SettlementService) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSettlementService builds a SettlementService.
func NewSettlementService(store Store, gateway Gateway, clk clock.Clock, opts ...SettlementOption) *SettlementService {
	s := &SettlementService{
		store:   store,
		gateway: gateway,
		clock:   clk,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// errDuplicate aborts a settlement transaction that found an existing
// purchase.
var errDuplicate = errors.New("payment already settled")

// Reconcile fetches the payment and settles the holds it references.  It is
// safe to call any number of times, in any order, for the same payment.
//
// An approved payment sells every ticket still held by the payer, even when
// some of its tickets are gone; the missing ones are recorded as a conflict
// and reported with *ReconciliationConflict.  A rejected or cancelled
// payment releases the payer's holds.  Non-terminal statuses change nothing.
func (s *SettlementService) Reconcile(ctx context.Context, paymentID string) (SettlementResult, error) {
	if paymentID == "" || len(paymentID) > 64 {
		return SettlementResult{}, &ValidationError{Field: "paymentId", Message: "must be 1-64 characters"}
	}

	p, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		s.log.Warn("payment lookup failed", "payment_id", paymentID, "err", err)
		return SettlementResult{}, &UpstreamError{Op: "get payment", Err: err}
	}
	if p.ID == "" {
		p.ID = paymentID
	}
	res := SettlementResult{PaymentID: p.ID, Status: p.Status, Numbers: []string{}}

	existing, err := s.store.GetPurchase(ctx, p.ID)
	if err != nil {
		return res, err
	}
	if existing != nil {
		res.Outcome = SettlementDuplicate
		res.Numbers = existing.Numbers
		s.log.Debug("payment already settled", "payment_id", p.ID, "outcome", existing.Outcome)
		return res, nil
	}

	if !p.Status.Terminal() {
		res.Outcome = SettlementPending
		s.log.Info("payment not final yet", "payment_id", p.ID, "status", p.Status)
		return res, nil
	}

	holderID, numbers, refErr := model.DecodeReference(p.Reference)
	if p.Status.Approved() {
		return s.settleApproved(ctx, p, holderID, numbers, refErr)
	}
	return s.settleRejected(ctx, p, holderID, numbers, refErr)
}

// settleApproved moves the held numbers to sold and records the purchase
// in one transaction.  Numbers that are no longer held become a conflict.
func (s *SettlementService) settleApproved(ctx context.Context, p payment.Payment, holderID string, numbers []string, refErr error) (SettlementResult, error) {
	res := SettlementResult{PaymentID: p.ID, Status: p.Status, Numbers: []string{}}
	now := s.clock.Now()

	var (
		sold        []string
		buyer       model.Buyer
		conflict    *model.Conflict
		newConflict bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var holds []model.Hold
		if refErr == nil {
			var err error
			// expired rows still count: until reaped nobody else can have the ticket
			holds, err = s.store.FindHolds(ctx, holderID, numbers)
			if err != nil {
				return err
			}
		}
		if existing, err := s.store.GetPurchase(ctx, p.ID); err != nil {
			return err
		} else if existing != nil {
			res.Numbers = existing.Numbers
			return errDuplicate
		}

		sold = model.HoldNumbers(holds)
		if len(holds) > 0 {
			buyer = holds[0].Buyer
			moved, err := s.store.TransitionTickets(ctx, sold, model.TicketHeld, model.TicketSold, now)
			if err != nil {
				return err
			}
			if moved != len(sold) {
				return fmt.Errorf("settle %s: %d holds but %d held tickets", p.ID, len(sold), moved)
			}
			if _, err := s.store.DeleteHolds(ctx, holderID, sold); err != nil {
				return err
			}
			if _, err := s.store.CreatePurchase(ctx, model.Purchase{
				PaymentID:     p.ID,
				HolderID:      holderID,
				Buyer:         buyer,
				Numbers:       sold,
				Outcome:       model.OutcomeApproved,
				PaymentStatus: string(p.Status),
				AmountCents:   p.AmountCents,
				Currency:      p.Currency,
				ResolvedAt:    now,
			}); err != nil {
				return err
			}
		}

		missing := difference(numbers, sold)
		if refErr == nil && len(missing) == 0 {
			return nil
		}
		states, err := s.store.TicketStates(ctx, missing)
		if err != nil {
			return err
		}
		reason := "holds missing or owned by another holder"
		if refErr != nil {
			reason = fmt.Sprintf("undecodable payment reference %q", p.Reference)
		}
		conflict = &model.Conflict{
			PaymentID:     p.ID,
			HolderID:      holderID,
			Numbers:       missing,
			States:        states,
			Reason:        reason,
			PaymentStatus: string(p.Status),
			DetectedAt:    now,
		}
		newConflict, err = s.store.RecordConflict(ctx, *conflict)
		return err
	})
	if errors.Is(err, errDuplicate) {
		res.Outcome = SettlementDuplicate
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("settle approved payment %s: %w", p.ID, err)
	}

	res.Numbers = sold
	res.Outcome = SettlementSold
	if len(sold) > 0 {
		s.log.Info("tickets sold", "payment_id", p.ID, "holder", holderID, "numbers", sold, "amount_cents", p.AmountCents)
		s.publishSold(ctx, p, holderID, buyer, sold, now)
	}
	if conflict == nil {
		return res, nil
	}

	res.Outcome = SettlementConflict
	s.log.Error("settlement conflict",
		"payment_id", p.ID,
		"holder", holderID,
		"numbers", conflict.Numbers,
		"states", conflict.States,
		"sold", sold,
		"reference", p.Reference,
		"reason", conflict.Reason,
	)
	if newConflict {
		s.publishConflict(ctx, *conflict)
	}
	return res, &ReconciliationConflict{
		PaymentID: p.ID,
		HolderID:  holderID,
		Numbers:   conflict.Numbers,
		States:    conflict.States,
		Reason:    conflict.Reason,
	}
}

// settleRejected releases the holder's holds for a payment that ended
// without approval.
func (s *SettlementService) settleRejected(ctx context.Context, p payment.Payment, holderID string, numbers []string, refErr error) (SettlementResult, error) {
	res := SettlementResult{PaymentID: p.ID, Status: p.Status, Numbers: []string{}}
	now := s.clock.Now()
	if refErr != nil {
		s.log.Warn("non-approved payment with undecodable reference", "payment_id", p.ID, "reference", p.Reference)
	}

	var released []string
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var holds []model.Hold
		if refErr == nil {
			var err error
			holds, err = s.store.FindHolds(ctx, holderID, numbers)
			if err != nil {
				return err
			}
		}
		if existing, err := s.store.GetPurchase(ctx, p.ID); err != nil {
			return err
		} else if existing != nil {
			res.Numbers = existing.Numbers
			return errDuplicate
		}

		released = model.HoldNumbers(holds)
		var buyer model.Buyer
		if len(holds) > 0 {
			buyer = holds[0].Buyer
			if _, err := s.store.DeleteHolds(ctx, holderID, released); err != nil {
				return err
			}
			if _, err := s.store.TransitionTickets(ctx, released, model.TicketHeld, model.TicketAvailable, now); err != nil {
				return err
			}
		}
		_, err := s.store.CreatePurchase(ctx, model.Purchase{
			PaymentID:     p.ID,
			HolderID:      holderID,
			Buyer:         buyer,
			Numbers:       released,
			Outcome:       model.OutcomeRejected,
			PaymentStatus: string(p.Status),
			AmountCents:   p.AmountCents,
			Currency:      p.Currency,
			ResolvedAt:    now,
		})
		return err
	})
	if errors.Is(err, errDuplicate) {
		res.Outcome = SettlementDuplicate
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("settle %s payment %s: %w", p.Status, p.ID, err)
	}

	res.Outcome = SettlementReleased
	res.Numbers = released
	s.log.Info("payment not approved, holds released", "payment_id", p.ID, "status", p.Status, "holder", holderID, "numbers", released)
	return res, nil
}

// HandleNotification reconciles a queued notification.  Malformed payment
// ids and conflicts are logged and swallowed; every other failure is
// returned so the consumer retries the delivery.
func (s *SettlementService) HandleNotification(ctx context.Context, n queue.PaymentNotification) error {
	if n.Type != "" && n.Type != "payment" {
		s.log.Debug("ignoring notification", "type", n.Type)
		return nil
	}
	_, err := s.Reconcile(ctx, n.PaymentID)
	var (
		verr     *ValidationError
		conflict *ReconciliationConflict
	)
	switch {
	case err == nil, errors.As(err, &conflict):
		return nil
	case errors.As(err, &verr):
		s.log.Warn("notification dropped", "payment_id", n.PaymentID, "err", err)
		return nil
	}
	// Processor lookups that 404 are retried as well: the notification can
	// arrive before the payment is visible through the API.
	return err
}

func (s *SettlementService) publishSold(ctx context.Context, p payment.Payment, holderID string, buyer model.Buyer, sold []string, at time.Time) {
	if s.events == nil {
		return
	}
	err := s.events.PublishTicketsSold(ctx, queue.TicketsSoldEvent{
		PaymentID:   p.ID,
		HolderID:    holderID,
		BuyerName:   buyer.Name,
		BuyerPhone:  buyer.Phone,
		Numbers:     sold,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		SoldAt:      at.Format(time.RFC3339),
	})
	if err != nil {
		s.log.Warn("publish tickets sold failed", "payment_id", p.ID, "err", err)
	}
}

func (s *SettlementService) publishConflict(ctx context.Context, c model.Conflict) {
	if s.events == nil {
		return
	}
	states := make(map[string]string, len(c.States))
	for n, st := range c.States {
		states[n] = string(st)
	}
	err := s.events.PublishSettlementConflict(ctx, queue.SettlementConflictEvent{
		PaymentID:  c.PaymentID,
		HolderID:   c.HolderID,
		Numbers:    c.Numbers,
		States:     states,
		Reason:     c.Reason,
		DetectedAt: c.DetectedAt.Format(time.RFC3339),
	})
	if err != nil {
		s.log.Warn("publish settlement conflict failed", "payment_id", c.PaymentID, "err", err)
	}
}

// ListPurchases returns every settled payment, newest first.
func (s *SettlementService) ListPurchases(ctx context.Context) ([]model.Purchase, error) {
	return s.store.ListPurchases(ctx)
}

// ListConflicts returns every recorded settlement conflict, newest first.
func (s *SettlementService) ListConflicts(ctx context.Context) ([]model.Conflict, error) {
	return s.store.ListConflicts(ctx)
}

func difference(all, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, n := range remove {
		drop[n] = true
	}
	out := []string{}
	for _, n := range all {
		if !drop[n] {
			out = append(out, n)
		}
	}
	return out
}
