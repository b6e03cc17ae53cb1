package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stayease/reservations/internal/domain"
)

const defaultRazorpayBaseURL = "https://api.razorpay.com/v1"

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
}

// Razorpay talks to the Razorpay orders and refunds API and verifies its
// webhooks with the shared webhook secret.
type Razorpay struct {
	keyID         string
	keySecret     string
	webhookSecret []byte
	baseURL       string
	client        *http.Client
}

func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultRazorpayBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Razorpay{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: []byte(cfg.WebhookSecret),
		baseURL:       base,
		client:        client,
	}
}

func (r *Razorpay) Name() string { return "razorpay" }

type razorpayOrderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt,omitempty"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type razorpayOrder struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

func (r *Razorpay) CreateOrder(ctx context.Context, amount domain.Money, currency string, metadata map[string]string) (domain.OrderRef, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	notes := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k != "receipt" {
			notes[k] = v
		}
	}
	var order razorpayOrder
	err := r.do(ctx, http.MethodPost, "/orders", razorpayOrderRequest{
		Amount:         int64(amount),
		Currency:       currency,
		Receipt:        metadata["receipt"],
		PaymentCapture: 1,
		Notes:          notes,
	}, &order)
	if err != nil {
		return "", fmt.Errorf("razorpay create order: %w", err)
	}
	if order.ID == "" {
		return "", fmt.Errorf("razorpay create order: empty order id")
	}
	return domain.OrderRef(order.ID), nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type razorpayPayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func (r *Razorpay) ParseCallback(raw domain.RawCallback) (domain.PaymentCallback, error) {
	var hook razorpayWebhook
	if err := json.Unmarshal(raw.Body, &hook); err != nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: malformed webhook body", domain.ErrValidation)
	}
	p := hook.Payload.Payment.Entity
	if p.OrderID == "" {
		return domain.PaymentCallback{}, fmt.Errorf("%w: webhook carries no payment order", domain.ErrValidation)
	}
	return domain.PaymentCallback{
		OrderRef:   domain.OrderRef(p.OrderID),
		PaymentRef: p.ID,
		Amount:     domain.Money(p.Amount),
		Currency:   p.Currency,
		Status:     p.Status,
		Signature:  raw.Signature,
		Raw:        raw.Body,
	}, nil
}

// VerifyCallback checks the webhook HMAC over the raw body, then reads the
// payment from the signed body rather than from the parsed callback.
func (r *Razorpay) VerifyCallback(_ context.Context, cb domain.PaymentCallback, expected domain.PaymentExpectation) (domain.VerifiedPayment, error) {
	if !validSignature(r.webhookSecret, cb.Raw, cb.Signature) {
		return domain.VerifiedPayment{}, domain.ErrInvalidSignature
	}
	trusted, err := r.ParseCallback(domain.RawCallback{Body: cb.Raw, Signature: cb.Signature})
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	if err := match(trusted.OrderRef, trusted.Amount, trusted.Currency, expected); err != nil {
		return domain.VerifiedPayment{}, err
	}

	var status domain.PaymentStatus
	switch trusted.Status {
	case "captured":
		status = domain.PaymentStatusSucceeded
	case "authorized":
		// Auto-capture settles it shortly; the payment.captured webhook confirms.
		status = domain.PaymentStatusPending
	case "failed":
		status = domain.PaymentStatusFailed
	default:
		return domain.VerifiedPayment{}, fmt.Errorf("razorpay payment %s in status %q", trusted.PaymentRef, trusted.Status)
	}
	return domain.VerifiedPayment{
		OrderRef:   trusted.OrderRef,
		PaymentRef: trusted.PaymentRef,
		Amount:     trusted.Amount,
		Status:     status,
	}, nil
}

type razorpayRefund struct {
	ID string `json:"id"`
}

func (r *Razorpay) Refund(ctx context.Context, paymentRef string, amount domain.Money) (string, error) {
	if paymentRef == "" {
		return "", fmt.Errorf("%w: payment reference is required", domain.ErrValidation)
	}
	var refund razorpayRefund
	path := "/payments/" + url.PathEscape(paymentRef) + "/refund"
	if err := r.do(ctx, http.MethodPost, path, map[string]int64{"amount": int64(amount)}, &refund); err != nil {
		return "", fmt.Errorf("razorpay refund: %w", err)
	}
	return refund.ID, nil
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (r *Razorpay) do(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.keyID, r.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr razorpayError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Description != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Description)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
