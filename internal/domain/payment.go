package domain

import "time"

// OrderRef identifies an order created at the payment gateway.
type OrderRef string

type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	// PaymentStatusPending is an authorized payment that has not been captured yet.
	PaymentStatusPending PaymentStatus = "pending"
)

// RawCallback is a gateway callback exactly as received.
type RawCallback struct {
	Body      []byte
	Signature string
}

// PaymentCallback is a parsed but not yet verified gateway callback.
type PaymentCallback struct {
	OrderRef   OrderRef
	PaymentRef string
	Amount     Money
	Currency   string
	Status     string
	Signature  string
	Raw        []byte
}

// PaymentExpectation is what the reservation expects the verified payment to carry.
type PaymentExpectation struct {
	OrderRef OrderRef
	Amount   Money
	Currency string
}

type VerifiedPayment struct {
	OrderRef   OrderRef
	PaymentRef string
	Amount     Money
	Status     PaymentStatus
}

// PaymentIntent is returned to the client to complete payment at the gateway.
type PaymentIntent struct {
	ReservationID string
	Gateway       string
	OrderRef      OrderRef
	Amount        Money
	Currency      string
	ExpiresAt     time.Time
}

type RefundStatus string

const (
	RefundNotRequired RefundStatus = "not_required"
	RefundRequested   RefundStatus = "requested"
	RefundFailed      RefundStatus = "failed"
)
