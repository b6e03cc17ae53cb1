package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stayease/reservations/internal/domain"
)

type mockPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

type MockRefund struct {
	RefundRef  string
	PaymentRef string
	Amount     domain.Money
}

// Mock is an in-process gateway with deterministic references. Callbacks carry
// no signature but amounts are still checked.
type Mock struct {
	mu             sync.Mutex
	orders         int
	refunds        []MockRefund
	failNextCreate error
	failNextVerify error
	failNextRefund error
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreateOrder(ctx context.Context, amount domain.Money, currency string, _ map[string]string) (domain.OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNextCreate; err != nil {
		m.failNextCreate = nil
		return "", err
	}
	m.orders++
	return domain.OrderRef(fmt.Sprintf("order_mock_%d", m.orders)), nil
}

func (m *Mock) ParseCallback(raw domain.RawCallback) (domain.PaymentCallback, error) {
	var p mockPayload
	if err := json.Unmarshal(raw.Body, &p); err != nil {
		return domain.PaymentCallback{}, fmt.Errorf("%w: malformed callback body", domain.ErrValidation)
	}
	if p.OrderID == "" {
		return domain.PaymentCallback{}, fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	}
	return domain.PaymentCallback{
		OrderRef:   domain.OrderRef(p.OrderID),
		PaymentRef: p.PaymentID,
		Amount:     domain.Money(p.Amount),
		Currency:   p.Currency,
		Status:     p.Status,
		Signature:  raw.Signature,
		Raw:        raw.Body,
	}, nil
}

func (m *Mock) VerifyCallback(ctx context.Context, cb domain.PaymentCallback, expected domain.PaymentExpectation) (domain.VerifiedPayment, error) {
	if err := ctx.Err(); err != nil {
		return domain.VerifiedPayment{}, err
	}
	m.mu.Lock()
	injected := m.failNextVerify
	m.failNextVerify = nil
	m.mu.Unlock()
	if injected != nil {
		return domain.VerifiedPayment{}, injected
	}

	if err := match(cb.OrderRef, cb.Amount, cb.Currency, expected); err != nil {
		return domain.VerifiedPayment{}, err
	}
	status := domain.PaymentStatusSucceeded
	switch cb.Status {
	case "failed":
		status = domain.PaymentStatusFailed
	case "pending", "authorized":
		status = domain.PaymentStatusPending
	}
	return domain.VerifiedPayment{
		OrderRef:   cb.OrderRef,
		PaymentRef: cb.PaymentRef,
		Amount:     cb.Amount,
		Status:     status,
	}, nil
}

func (m *Mock) Refund(ctx context.Context, paymentRef string, amount domain.Money) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNextRefund; err != nil {
		m.failNextRefund = nil
		return "", err
	}
	ref := fmt.Sprintf("refund_mock_%d", len(m.refunds)+1)
	m.refunds = append(m.refunds, MockRefund{RefundRef: ref, PaymentRef: paymentRef, Amount: amount})
	return ref, nil
}

func (m *Mock) FailNextCreate(err error) {
	m.mu.Lock()
	m.failNextCreate = err
	m.mu.Unlock()
}

// FailNextVerify makes the next verification return err, e.g. a timeout.
func (m *Mock) FailNextVerify(err error) {
	m.mu.Lock()
	m.failNextVerify = err
	m.mu.Unlock()
}

func (m *Mock) FailNextRefund(err error) {
	m.mu.Lock()
	m.failNextRefund = err
	m.mu.Unlock()
}

func (m *Mock) Refunds() []MockRefund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRefund(nil), m.refunds...)
}

// Callback builds the body the mock checkout page posts back.
func (m *Mock) Callback(ref domain.OrderRef, paymentID string, amount domain.Money, currency, status string) domain.RawCallback {
	body, _ := json.Marshal(mockPayload{
		OrderID:   string(ref),
		PaymentID: paymentID,
		Amount:    int64(amount),
		Currency:  currency,
		Status:    status,
	})
	return domain.RawCallback{Body: body}
}
