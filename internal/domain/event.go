package domain

import "time"

type EventType string

const (
	EventHeld            EventType = "reservation.held"
	EventPaymentPending  EventType = "reservation.payment_pending"
	EventConfirmed       EventType = "reservation.confirmed"
	EventPaymentFailed   EventType = "reservation.payment_failed"
	EventExpired         EventType = "reservation.expired"
	EventCancelled       EventType = "reservation.cancelled"
	EventRefundRequested EventType = "reservation.refund_requested"
)

// LifecycleEvent is emitted after a reservation changes state.
type LifecycleEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	ReservationID string    `json:"reservation_id"`
	RoomID        string    `json:"room_id"`
	State         State     `json:"state"`
	Amount        Money     `json:"amount"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}
