package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stayease/reservations/internal/domain"
)

type approval struct {
	OrderID    string `json:"order_id"`
	PaymentID  string `json:"payment_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ApprovedBy string `json:"approved_by"`
}

// AdminApproval is the gateway for properties that take payment at the desk.
// An operator approval is the only callback it accepts; it is signed with an
// internal secret so nothing posted to the public callback route can pass.
type AdminApproval struct {
	secret []byte

	mu      sync.Mutex
	refunds []string
}

func NewAdminApproval(secret string) *AdminApproval {
	return &AdminApproval{secret: []byte(secret)}
}

func (a *AdminApproval) Name() string { return "admin" }

func (a *AdminApproval) CreateOrder(_ context.Context, amount domain.Money, _ string, _ map[string]string) (domain.OrderRef, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	return domain.OrderRef("order_admin_" + uuid.NewString()), nil
}

func (a *AdminApproval) ParseCallback(domain.RawCallback) (domain.PaymentCallback, error) {
	return domain.PaymentCallback{}, fmt.Errorf("%w: payments are approved by an operator", domain.ErrInvalidSignature)
}

// Approve mints the signed callback for an operator's confirmation. The payment
// reference is derived from the order, so approving twice yields the same one.
func (a *AdminApproval) Approve(_ context.Context, ref domain.OrderRef, amount domain.Money, currency, approver string) (domain.PaymentCallback, error) {
	if len(a.secret) == 0 {
		return domain.PaymentCallback{}, fmt.Errorf("admin approval secret not configured")
	}
	body, err := json.Marshal(approval{
		OrderID:    string(ref),
		PaymentID:  "manual_" + string(ref),
		Amount:     int64(amount),
		Currency:   currency,
		ApprovedBy: approver,
	})
	if err != nil {
		return domain.PaymentCallback{}, err
	}
	return domain.PaymentCallback{
		OrderRef:   ref,
		PaymentRef: "manual_" + string(ref),
		Amount:     amount,
		Currency:   currency,
		Status:     "approved",
		Signature:  sign(a.secret, body),
		Raw:        body,
	}, nil
}

func (a *AdminApproval) VerifyCallback(_ context.Context, cb domain.PaymentCallback, expected domain.PaymentExpectation) (domain.VerifiedPayment, error) {
	if !validSignature(a.secret, cb.Raw, cb.Signature) {
		return domain.VerifiedPayment{}, domain.ErrInvalidSignature
	}
	var p approval
	if err := json.Unmarshal(cb.Raw, &p); err != nil {
		return domain.VerifiedPayment{}, domain.ErrInvalidSignature
	}
	if err := match(domain.OrderRef(p.OrderID), domain.Money(p.Amount), p.Currency, expected); err != nil {
		return domain.VerifiedPayment{}, err
	}
	return domain.VerifiedPayment{
		OrderRef:   domain.OrderRef(p.OrderID),
		PaymentRef: p.PaymentID,
		Amount:     domain.Money(p.Amount),
		Status:     domain.PaymentStatusSucceeded,
	}, nil
}

// Refund records that the desk owes the guest money back.
func (a *AdminApproval) Refund(_ context.Context, paymentRef string, _ domain.Money) (string, error) {
	ref := "manual_refund_" + paymentRef
	a.mu.Lock()
	a.refunds = append(a.refunds, ref)
	a.mu.Unlock()
	return ref, nil
}

func (a *AdminApproval) Refunds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.refunds...)
}
