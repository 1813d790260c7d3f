package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/raffle-reservation/internal/clock"
	"github.com/iliyamo/raffle-reservation/internal/model"
	"github.com/iliyamo/raffle-reservation/internal/payment"
)

const (
	defaultHoldTTL           = 5 * time.Minute
	defaultMaxTicketsPerHold = 40
	defaultReapBatch         = 500
	// Mercado Pago rejects longer external references.
	maxReferenceLen = 256
)

// CheckoutConfig is what the reservation service needs to build a checkout
// session: the fixed ticket price and where the processor sends the shopper
// and its notifications.
type CheckoutConfig struct {
	Title           string
	UnitPriceCents  int64
	Currency        string
	ReturnURLs      payment.ReturnURLs
	NotificationURL string
}

// ReservationService drives tickets through available -> held -> available
// and owns the hold ledger.  It is the only writer of hold rows outside
// settlement.
type ReservationService struct {
	store     Store
	gateway   Gateway
	pool      model.NumberPool
	clock     clock.Clock
	checkout  CheckoutConfig
	holdTTL   time.Duration
	maxPerReq int
	reapBatch int
	log       *slog.Logger
}

// ReservationOption customizes a ReservationService.
type ReservationOption func(*ReservationService)

// WithHoldTTL overrides the default TTL for new holds.
func WithHoldTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithMaxTicketsPerHold caps how many tickets one request may hold.
func WithMaxTicketsPerHold(n int) ReservationOption {
	return func(s *ReservationService) {
		if n > 0 {
			s.maxPerReq = n
		}
	}
}

// WithReapBatch sets how many expired holds one reap transaction handles.
func WithReapBatch(n int) ReservationOption {
	return func(s *ReservationService) {
		if n > 0 {
			s.reapBatch = n
		}
	}
}

// WithCheckout sets pricing and processor callback targets.
func WithCheckout(cfg CheckoutConfig) ReservationOption {
	return func(s *ReservationService) { s.checkout = cfg }
}

// WithReservationLogger sets the logger.
func WithReservationLogger(l *slog.Logger) ReservationOption {
	return func(s *ReservationService) {
		if l != nil {
			s.log = l
		}
	}
}

// NewReservationService builds a ReservationService over store and gateway
// for the tickets in pool.
func NewReservationService(store Store, gateway Gateway, pool model.NumberPool, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	s := &ReservationService{
		store:     store,
		gateway:   gateway,
		pool:      pool,
		clock:     clk,
		holdTTL:   defaultHoldTTL,
		maxPerReq: defaultMaxTicketsPerHold,
		reapBatch: defaultReapBatch,
		checkout:  CheckoutConfig{Title: "Raffle ticket", UnitPriceCents: 1000, Currency: "BRL"},
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HoldTTL returns the lifetime given to new holds.
func (s *ReservationService) HoldTTL() time.Duration { return s.holdTTL }

// Seed creates any missing ticket of the pool as available.
func (s *ReservationService) Seed(ctx context.Context) (int, error) {
	created, err := s.store.SeedTickets(ctx, s.pool.Numbers(), s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("seed tickets: %w", err)
	}
	return created, nil
}

// ListTickets reaps expired holds and returns every ticket ordered by
// number.
func (s *ReservationService) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	if _, err := s.ReapExpired(ctx); err != nil {
		return nil, err
	}
	return s.store.ListTickets(ctx)
}

// HoldResult describes a successful hold.
type HoldResult struct {
	Numbers   []string  `json:"numbers"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Hold claims every requested ticket for holderID or none of them.  When a
// ticket is not available the whole request fails with a *ConflictError
// listing the blocking numbers and nothing changes.
func (s *ReservationService) Hold(ctx context.Context, holderID string, numbers []string) (HoldResult, error) {
	if err := validateHolder(holderID); err != nil {
		return HoldResult{}, err
	}
	nums, err := s.normalize(numbers)
	if err != nil {
		return HoldResult{}, err
	}
	if _, err := s.ReapExpired(ctx); err != nil {
		return HoldResult{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.holdTTL)
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		states, err := s.store.TicketStates(ctx, nums)
		if err != nil {
			return err
		}
		var blocked []string
		for _, n := range nums {
			if states[n] != model.TicketAvailable {
				blocked = append(blocked, n)
			}
		}
		if len(blocked) > 0 {
			return &ConflictError{Numbers: blocked}
		}

		moved, err := s.store.TransitionTickets(ctx, nums, model.TicketAvailable, model.TicketHeld, now)
		if err != nil {
			return err
		}
		if moved != len(nums) {
			return s.conflictAfterRace(ctx, nums)
		}

		holds := make([]model.Hold, 0, len(nums))
		for _, n := range nums {
			holds = append(holds, model.Hold{Number: n, HolderID: holderID, CreatedAt: now, ExpiresAt: expiresAt})
		}
		if err := s.store.CreateHolds(ctx, holds); err != nil {
			if errors.Is(err, model.ErrDuplicateHold) {
				return &ConflictError{Numbers: nums}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return HoldResult{}, err
	}

	s.log.Info("tickets held", "holder", holderID, "numbers", nums, "expires_at", expiresAt)
	return HoldResult{Numbers: nums, ExpiresAt: expiresAt}, nil
}

// conflictAfterRace builds the conflict for a transition that moved fewer
// rows than requested.  Only stores without locking reads end up here.
func (s *ReservationService) conflictAfterRace(ctx context.Context, nums []string) error {
	holds, err := s.store.HoldsByNumbers(ctx, nums)
	if err != nil {
		return err
	}
	taken := make(map[string]bool, len(holds))
	for _, h := range holds {
		taken[h.Number] = true
	}
	var blocked []string
	for _, n := range nums {
		if taken[n] {
			blocked = append(blocked, n)
		}
	}
	if len(blocked) == 0 {
		blocked = nums
	}
	return &ConflictError{Numbers: blocked}
}

// Release gives back the tickets in numbers that holderID holds.  Numbers
// held by others or not held at all are ignored.  It returns how many
// tickets went back to available.
func (s *ReservationService) Release(ctx context.Context, holderID string, numbers []string) (int, error) {
	if err := validateHolder(holderID); err != nil {
		return 0, err
	}
	nums, err := s.normalize(numbers)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	released := 0
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		holds, err := s.store.FindHolds(ctx, holderID, nums)
		if err != nil || len(holds) == 0 {
			return err
		}
		own := model.HoldNumbers(holds)
		if _, err := s.store.DeleteHolds(ctx, holderID, own); err != nil {
			return err
		}
		released, err = s.store.TransitionTickets(ctx, own, model.TicketHeld, model.TicketAvailable, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.log.Info("tickets released", "holder", holderID, "count", released)
	}
	return released, nil
}

// VerifyHold reports whether holderID has a live hold on every ticket in
// numbers.
func (s *ReservationService) VerifyHold(ctx context.Context, holderID string, numbers []string) (bool, error) {
	if err := validateHolder(holderID); err != nil {
		return false, err
	}
	nums, err := s.normalize(numbers)
	if err != nil {
		return false, err
	}
	holds, err := s.store.FindHolds(ctx, holderID, nums)
	if err != nil {
		return false, err
	}
	return allLive(holds, len(nums), s.clock.Now()), nil
}

// allLive reports whether holds covers want numbers and none has expired.
func allLive(holds []model.Hold, want int, now time.Time) bool {
	if len(holds) != want {
		return false
	}
	for _, h := range holds {
		if h.Expired(now) {
			return false
		}
	}
	return true
}

// ReapExpired releases every hold whose deadline has passed and returns how
// many tickets went back to available.  Each batch runs in its own
// transaction so concurrent reapers and settlements never see a ticket
// without its hold row.
func (s *ReservationService) ReapExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.clock.Now()
		found, released := 0, 0
		err := s.store.WithTx(ctx, func(ctx context.Context) error {
			holds, err := s.store.ListExpiredHolds(ctx, now, s.reapBatch)
			if err != nil {
				return err
			}
			found = len(holds)
			if found == 0 {
				return nil
			}
			nums := model.HoldNumbers(holds)
			if _, err := s.store.DeleteHolds(ctx, "", nums); err != nil {
				return err
			}
			released, err = s.store.TransitionTickets(ctx, nums, model.TicketHeld, model.TicketAvailable, now)
			if err != nil {
				return err
			}
			if released != len(nums) {
				s.log.Warn("expired holds without held tickets", "holds", len(nums), "released", released)
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("reap expired holds: %w", err)
		}
		total += released
		if found < s.reapBatch {
			break
		}
	}
	if total > 0 {
		s.log.Info("expired holds reaped", "released", total)
	}
	return total, nil
}

// ExpiredHolds lists up to limit holds whose deadline has passed but which
// no reap has released yet.
func (s *ReservationService) ExpiredHolds(ctx context.Context, limit int) ([]model.Hold, error) {
	return s.store.ListExpiredHolds(ctx, s.clock.Now(), limit)
}

// CheckoutInput is a shopper's request to pay for held tickets.
type CheckoutInput struct {
	HolderID   string
	Numbers    []string
	BuyerName  string
	BuyerPhone string
	Quantity   int // optional; must match len(Numbers) when set
}

// Checkout confirms holderID still holds every ticket, records the buyer on
// the holds and asks the processor for a checkout session.  The processor
// is called outside any transaction.
func (s *ReservationService) Checkout(ctx context.Context, in CheckoutInput) (payment.CheckoutSession, error) {
	if err := validateHolder(in.HolderID); err != nil {
		return payment.CheckoutSession{}, err
	}
	nums, err := s.normalize(in.Numbers)
	if err != nil {
		return payment.CheckoutSession{}, err
	}
	buyer, err := validateBuyer(in.BuyerName, in.BuyerPhone)
	if err != nil {
		return payment.CheckoutSession{}, err
	}
	if in.Quantity != 0 && in.Quantity != len(nums) {
		return payment.CheckoutSession{}, &ValidationError{Field: "quantity", Message: fmt.Sprintf("expected %d, got %d", len(nums), in.Quantity)}
	}
	ref := model.EncodeReference(in.HolderID, nums)
	if len(ref) > maxReferenceLen {
		return payment.CheckoutSession{}, &ValidationError{Field: "numbers", Message: "too many tickets for one checkout"}
	}

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		holds, err := s.store.FindHolds(ctx, in.HolderID, nums)
		if err != nil {
			return err
		}
		if !allLive(holds, len(nums), now) {
			return ErrHoldExpired
		}
		_, err = s.store.AttachBuyer(ctx, in.HolderID, nums, buyer)
		return err
	})
	if err != nil {
		return payment.CheckoutSession{}, err
	}

	req := payment.CheckoutRequest{
		Reference:       ref,
		Title:           s.checkout.Title,
		Quantity:        len(nums),
		UnitPriceCents:  s.checkout.UnitPriceCents,
		Currency:        s.checkout.Currency,
		Payer:           buyer,
		ReturnURLs:      s.checkout.ReturnURLs,
		NotificationURL: s.checkout.NotificationURL,
	}
	session, err := s.gateway.CreateCheckout(ctx, req)
	if err != nil {
		s.log.Warn("checkout session failed", "holder", in.HolderID, "numbers", nums, "err", err)
		return payment.CheckoutSession{}, &UpstreamError{Op: "create checkout", Err: err}
	}
	s.log.Info("checkout started", "holder", in.HolderID, "numbers", nums, "amount_cents", req.AmountCents(), "session", session.ID)
	return session, nil
}

// normalize validates client numbers against the pool and returns them in
// canonical form, de-duplicated and sorted so every transaction locks rows
// in the same order.
func (s *ReservationService) normalize(numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, &ValidationError{Field: "numbers", Message: "at least one ticket is required"}
	}
	seen := make(map[string]bool, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, raw := range numbers {
		n, ok := s.pool.Normalize(strings.TrimSpace(raw))
		if !ok {
			return nil, &ValidationError{Field: "numbers", Message: fmt.Sprintf("%q is not a ticket number", raw)}
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) > s.maxPerReq {
		return nil, &ValidationError{Field: "numbers", Message: fmt.Sprintf("at most %d tickets per request", s.maxPerReq)}
	}
	sort.Strings(out)
	return out, nil
}

func validateHolder(id string) error {
	if !model.ValidHolderID(id) {
		return &ValidationError{Field: "holderId", Message: "must be 1-64 letters, digits, '-' or '_'"}
	}
	return nil
}

func validateBuyer(name, phone string) (model.Buyer, error) {
	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	switch {
	case name == "":
		return model.Buyer{}, &ValidationError{Field: "buyerName", Message: "is required"}
	case len(name) > 255:
		return model.Buyer{}, &ValidationError{Field: "buyerName", Message: "is too long"}
	case phone == "":
		return model.Buyer{}, &ValidationError{Field: "buyerPhone", Message: "is required"}
	case len(phone) > 64:
		return model.Buyer{}, &ValidationError{Field: "buyerPhone", Message: "is too long"}
	}
	return model.Buyer{Name: name, Phone: phone}, nil
}
