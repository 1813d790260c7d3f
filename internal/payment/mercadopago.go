package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the public Mercado Pago API endpoint.
const DefaultBaseURL = "https://api.mercadopago.com"

// Config configures a Client.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration // per attempt
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled each time
}

// Client is a Mercado Pago REST client.  Each call is bounded by a per
// attempt timeout and retried on transport errors, 429 and 5xx answers.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient returns a Client for cfg.  Zero fields get defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{}, log: logger}
}

type preferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferencePayer struct {
	Name  string `json:"name,omitempty"`
	Phone struct {
		Number string `json:"number,omitempty"`
	} `json:"phone"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	Payer             preferencePayer   `json:"payer"`
	ExternalReference string            `json:"external_reference"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	NotificationURL   string            `json:"notification_url,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreateCheckout creates a checkout preference and returns the redirect
// target for the shopper.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	body := preferenceRequest{
		Items: []preferenceItem{{
			Title:      req.Title,
			Quantity:   req.Quantity,
			UnitPrice:  float64(req.UnitPriceCents) / 100,
			CurrencyID: req.Currency,
		}},
		ExternalReference: req.Reference,
		NotificationURL:   req.NotificationURL,
	}
	body.Payer.Name = req.Payer.Name
	body.Payer.Phone.Number = req.Payer.Phone
	if req.ReturnURLs.Success != "" {
		body.BackURLs = map[string]string{
			"success": req.ReturnURLs.Success,
			"failure": req.ReturnURLs.Failure,
			"pending": req.ReturnURLs.Pending,
		}
		body.AutoReturn = "approved"
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return CheckoutSession{}, err
	}
	var out preferenceResponse
	// one key for every attempt so a retried POST cannot create two preferences
	idem := uuid.NewString()
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", raw, idem, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("create preference: %w", err)
	}
	if out.InitPoint == "" {
		return CheckoutSession{}, errors.New("create preference: empty init_point")
	}
	return CheckoutSession{ID: out.ID, RedirectURL: out.InitPoint}, nil
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
}

// GetPayment fetches the payment with the given id.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var out paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, "", &out); err != nil {
		return Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	return Payment{
		ID:           out.ID.String(),
		Status:       Status(out.Status),
		StatusDetail: out.StatusDetail,
		Reference:    out.ExternalReference,
		AmountCents:  int64(math.Round(out.TransactionAmount * 100)),
		Currency:     out.CurrencyID,
	}, nil
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body []byte, idemKey string, out any) error {
	var lastErr error
	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.attempt(ctx, method, path, body, idemKey, out)
		if err == nil {
			return nil
		}
		var retry retryableError
		if !errors.As(err, &retry) {
			return err
		}
		lastErr = retry.err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.log.Warn("payment api call failed, retrying",
			"method", method, "path", path, "attempt", attempt, "delay", delay, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) attempt(parent context.Context, method, path string, body []byte, idemKey string, out any) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return parent.Err()
		}
		// includes the per-attempt timeout
		return retryableError{err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retryableError{err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retryableError{&APIError{StatusCode: resp.StatusCode, Message: apiMessage(payload)}}
	case resp.StatusCode >= 400:
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(payload)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiMessage(payload []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}
	return string(payload)
}
