package domain

import (
	"fmt"
	"time"
)

type State string

const (
	StateRequested      State = "REQUESTED"
	StateHeld           State = "HELD"
	StatePaymentPending State = "PAYMENT_PENDING"
	StatePaymentFailed  State = "PAYMENT_FAILED"
	StateConfirmed      State = "CONFIRMED"
	StateExpired        State = "EXPIRED"
	StateCancelled      State = "CANCELLED"
)

// BlockingStates are the states whose reservations claim room nights.
var BlockingStates = []State{StateHeld, StatePaymentPending, StateConfirmed}

// ProtectedStates keep their nights after the ledger hold lapses. Only the
// sweeper or a cancellation gives them back.
var ProtectedStates = []State{StatePaymentPending, StateConfirmed}

var transitions = map[State][]State{
	StateRequested:      {StateHeld, StateExpired},
	StateHeld:           {StatePaymentPending, StateExpired, StateCancelled},
	StatePaymentPending: {StateConfirmed, StatePaymentFailed, StateExpired, StateCancelled, StatePaymentPending},
	StatePaymentFailed:  {StateHeld, StatePaymentPending, StateExpired, StateCancelled},
	StateConfirmed:      {StateCancelled},
}

// CanTransition reports whether from -> to is part of the reservation lifecycle.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateRequested, StateHeld, StatePaymentPending, StatePaymentFailed,
		StateConfirmed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Closed reports whether the reservation can no longer accept a payment.
func (s State) Closed() bool {
	return s == StateExpired || s == StateCancelled
}

func clearsHold(s State) bool {
	return s == StateConfirmed || s == StateExpired || s == StateCancelled
}

// Money is an amount in minor currency units (paise for INR).
type Money int64

func (m Money) Times(n int) Money {
	return m * Money(n)
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", int64(m)/100, abs(int64(m)%100))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

type GuestContact struct {
	Name  string
	Email string
	Phone string
}

// Reservation is a guest's claim on a room for a date range and its lifecycle state.
type Reservation struct {
	ID               string
	RoomID           string
	HotelID          string
	GuestID          string
	Guest            GuestContact
	Range            DateRange
	GuestCount       int
	SpecialRequests  string
	TotalAmount      Money
	Currency         string
	State            State
	HoldID           string
	HoldExpiresAt    *time.Time
	PaymentOrderRef  string
	PaymentReference string
	StateReason      string
	CancelledBy      string
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the fields required to persist a new reservation.
func (r Reservation) Validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("%w: room_id is required", ErrValidation)
	}
	if err := r.Range.Validate(); err != nil {
		return err
	}
	if r.GuestCount <= 0 {
		return fmt.Errorf("%w: guest_count must be positive", ErrValidation)
	}
	if r.TotalAmount < 0 {
		return fmt.Errorf("%w: total_amount must not be negative", ErrValidation)
	}
	return nil
}

// HoldExpired reports whether the hold window has passed at now.
func (r Reservation) HoldExpired(now time.Time) bool {
	return r.HoldExpiresAt != nil && !now.Before(*r.HoldExpiresAt)
}

// HoldToken rebuilds the ledger handle for this reservation's hold.
func (r Reservation) HoldToken() HoldToken {
	t := HoldToken{
		ID:            r.HoldID,
		RoomID:        r.RoomID,
		ReservationID: r.ID,
		Range:         r.Range,
	}
	if r.HoldExpiresAt != nil {
		t.ExpiresAt = *r.HoldExpiresAt
	}
	return t
}

// Mutated applies mutate to a copy of r and moves it to next. Identity, pricing
// and an attached payment reference survive any mutation unchanged.
func (r Reservation) Mutated(next State, mutate func(*Reservation), now time.Time) (Reservation, error) {
	if !CanTransition(r.State, next) {
		return Reservation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}

	out := r
	if r.HoldExpiresAt != nil {
		exp := *r.HoldExpiresAt
		out.HoldExpiresAt = &exp
	}
	if mutate != nil {
		mutate(&out)
	}

	out.ID = r.ID
	out.RoomID = r.RoomID
	out.HotelID = r.HotelID
	out.GuestID = r.GuestID
	out.Range = r.Range
	out.GuestCount = r.GuestCount
	out.TotalAmount = r.TotalAmount
	out.Currency = r.Currency
	out.CreatedAt = r.CreatedAt

	if r.PaymentReference != "" && out.PaymentReference != r.PaymentReference {
		return Reservation{}, ErrPaymentReferenceImmutable
	}

	out.State = next
	if clearsHold(next) {
		out.HoldExpiresAt = nil
	}
	if next == StateHeld && out.HoldExpiresAt == nil {
		return Reservation{}, fmt.Errorf("%w: hold expiry required when entering %s", ErrValidation, StateHeld)
	}
	out.Version = r.Version + 1
	out.UpdatedAt = now
	return out, nil
}
