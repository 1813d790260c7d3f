package payment

import (
	"context"
	"strconv"
	"sync"
)

// Fake is an in-memory processor used by tests and by local runs without
// processor credentials.  Payments are registered with SetPayment; checkout
// sessions are recorded for inspection.
type Fake struct {
	mu           sync.Mutex
	redirectBase string
	payments     map[string]Payment
	sessions     []CheckoutRequest
	seq          int

	// CreateErr and GetErr, when set, are returned by the matching call.
	CreateErr error
	GetErr    error
}

// NewFake returns a Fake whose redirect URLs start with redirectBase.
func NewFake(redirectBase string) *Fake {
	return &Fake{redirectBase: redirectBase, payments: make(map[string]Payment)}
}

// SetPayment registers or replaces a payment returned by GetPayment.
func (f *Fake) SetPayment(p Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
}

// Sessions returns the checkout requests seen so far.
func (f *Fake) Sessions() []CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckoutRequest(nil), f.sessions...)
}

// CreateCheckout records req and returns a session pointing at the fake
// checkout URL.  CreateErr, when set, is returned instead.
func (f *Fake) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return CheckoutSession{}, f.CreateErr
	}
	f.seq++
	id := "pref-" + strconv.Itoa(f.seq)
	f.sessions = append(f.sessions, req)
	return CheckoutSession{ID: id, RedirectURL: f.redirectBase + "?preference_id=" + id}, nil
}

// GetPayment returns the payment stored with SetPayment, or ErrNotFound.
func (f *Fake) GetPayment(ctx context.Context, id string) (Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return Payment{}, f.GetErr
	}
	p, ok := f.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}
