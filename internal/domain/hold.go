package domain

import "time"

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusCommitted HoldStatus = "committed"
	HoldStatusReleased  HoldStatus = "released"
)

// InventoryHold is a ledger claim on room nights. Active holds lapse at ExpiresAt;
// committed holds never do.
type InventoryHold struct {
	ID            string
	RoomID        string
	Range         DateRange
	ReservationID string
	Status        HoldStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	CommittedAt   *time.Time
	ReleasedAt    *time.Time
}

// Blocks reports whether the hold still claims its nights at now.
func (h InventoryHold) Blocks(now time.Time) bool {
	switch h.Status {
	case HoldStatusCommitted:
		return true
	case HoldStatusActive:
		return now.Before(h.ExpiresAt)
	}
	return false
}

// HoldToken is the handle callers use to release or commit a hold.
type HoldToken struct {
	ID            string
	RoomID        string
	ReservationID string
	Range         DateRange
	ExpiresAt     time.Time
}

// ConfirmedBlock is a committed, non-expiring allocation.
type ConfirmedBlock struct {
	HoldID        string
	RoomID        string
	ReservationID string
	Range         DateRange
	CommittedAt   time.Time
}
