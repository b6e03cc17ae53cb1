package domain

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for check-in and check-out dates.
const DateLayout = "2006-01-02"

// DateRange is a half-open range of room nights [CheckIn, CheckOut).
type DateRange struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// NewDateRange truncates both ends to UTC calendar dates and validates the order.
func NewDateRange(checkIn, checkOut time.Time) (DateRange, error) {
	r := DateRange{CheckIn: toDate(checkIn), CheckOut: toDate(checkOut)}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// ParseDateRange parses two YYYY-MM-DD dates.
func ParseDateRange(checkIn, checkOut string) (DateRange, error) {
	in, err := time.Parse(DateLayout, checkIn)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: check_in must be YYYY-MM-DD", ErrValidation)
	}
	out, err := time.Parse(DateLayout, checkOut)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: check_out must be YYYY-MM-DD", ErrValidation)
	}
	return NewDateRange(in, out)
}

// MustDateRange is for tests and fixtures.
func MustDateRange(checkIn, checkOut string) DateRange {
	r, err := ParseDateRange(checkIn, checkOut)
	if err != nil {
		panic(err)
	}
	return r
}

func (r DateRange) Validate() error {
	if r.CheckIn.IsZero() || r.CheckOut.IsZero() {
		return fmt.Errorf("%w: check_in and check_out are required", ErrValidation)
	}
	if !r.CheckIn.Before(r.CheckOut) {
		return fmt.Errorf("%w: check_in must be before check_out", ErrValidation)
	}
	return nil
}

// Overlaps reports whether two half-open ranges share at least one night.
// A check-out on the same day as another check-in is not an overlap.
func (r DateRange) Overlaps(other DateRange) bool {
	return r.CheckIn.Before(other.CheckOut) && other.CheckIn.Before(r.CheckOut)
}

func (r DateRange) Nights() int {
	return int(r.CheckOut.Sub(r.CheckIn).Hours() / 24)
}

func (r DateRange) String() string {
	return r.CheckIn.Format(DateLayout) + "/" + r.CheckOut.Format(DateLayout)
}

func toDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
