package app

import (
	"context"
	"time"

	"github.com/stayease/reservations/internal/domain"
)

// ReservationStore persists reservations. CompareAndSwapState is the only way
// to change an existing record.
type ReservationStore interface {
	Create(ctx context.Context, r domain.Reservation) (string, error)
	Get(ctx context.Context, id string) (domain.Reservation, error)
	CompareAndSwapState(ctx context.Context, id string, expected, next domain.State, mutate func(*domain.Reservation)) (domain.Reservation, error)
	ListByRoomAndRange(ctx context.Context, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error)
	FindByOrderRef(ctx context.Context, ref domain.OrderRef) (domain.Reservation, error)
	ListExpiring(ctx context.Context, before time.Time, states []domain.State, limit int) ([]domain.Reservation, error)
	ListByGuest(ctx context.Context, guestID string) ([]domain.Reservation, error)
}

// InventoryLedger owns room-night holds. Renew fails with ErrHoldReleased once
// another hold has taken the nights.
type InventoryLedger interface {
	TryAcquireHold(ctx context.Context, roomID string, rng domain.DateRange, reservationID string, ttl time.Duration) (domain.HoldToken, error)
	Renew(ctx context.Context, token domain.HoldToken, until time.Time) error
	Release(ctx context.Context, token domain.HoldToken) error
	Commit(ctx context.Context, token domain.HoldToken) (domain.ConfirmedBlock, error)
}

// Transactor runs fn as one unit of work, so a state change and the event it
// publishes commit together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentGateway normalizes a payment provider.
type PaymentGateway interface {
	Name() string
	CreateOrder(ctx context.Context, amount domain.Money, currency string, metadata map[string]string) (domain.OrderRef, error)
	ParseCallback(raw domain.RawCallback) (domain.PaymentCallback, error)
	VerifyCallback(ctx context.Context, cb domain.PaymentCallback, expected domain.PaymentExpectation) (domain.VerifiedPayment, error)
	Refund(ctx context.Context, paymentRef string, amount domain.Money) (string, error)
}

// ManualApprover is implemented by gateways where an operator confirms payment.
type ManualApprover interface {
	Approve(ctx context.Context, ref domain.OrderRef, amount domain.Money, currency, approver string) (domain.PaymentCallback, error)
}

// RateProvider is the catalog collaborator supplying the current nightly price.
type RateProvider interface {
	NightlyRate(ctx context.Context, roomID string) (domain.RoomRate, error)
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt domain.LifecycleEvent) error
}

// ReconciliationQueue collects partial failures for operators.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, task domain.ReconciliationTask) error
	ListOpen(ctx context.Context) ([]domain.ReconciliationTask, error)
	Get(ctx context.Context, id string) (domain.ReconciliationTask, error)
	MarkAttempt(ctx context.Context, id string, lastErr string, resolved bool, at time.Time) (domain.ReconciliationTask, error)
}
