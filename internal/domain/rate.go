package domain

import "time"

// RoomRate is the catalog's current nightly price for a room.
type RoomRate struct {
	RoomID    string
	HotelID   string
	Nightly   Money
	Currency  string
	UpdatedAt time.Time
}
