package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
)

type ReservationStore struct {
	clock clock.Clock

	mu           sync.RWMutex
	reservations map[string]domain.Reservation
}

func NewReservationStore(clk clock.Clock) *ReservationStore {
	return &ReservationStore{
		clock:        clk,
		reservations: make(map[string]domain.Reservation),
	}
}

func (s *ReservationStore) Create(_ context.Context, r domain.Reservation) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.ID]; exists {
		return "", domain.ErrStaleState
	}
	s.reservations[r.ID] = clone(r)
	return r.ID, nil
}

func (s *ReservationStore) Get(_ context.Context, id string) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return clone(r), nil
}

func (s *ReservationStore) CompareAndSwapState(_ context.Context, id string, expected, next domain.State, mutate func(*domain.Reservation)) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.Reservation{}, domain.ErrStaleState
	}
	updated, err := clone(cur).Mutated(next, mutate, s.clock.Now())
	if err != nil {
		return domain.Reservation{}, err
	}
	if updated.PaymentReference != "" && updated.PaymentReference != cur.PaymentReference {
		for otherID, other := range s.reservations {
			if otherID != id && other.PaymentReference == updated.PaymentReference {
				return domain.Reservation{}, domain.ErrDuplicatePaymentReference
			}
		}
	}
	s.reservations[id] = updated
	return clone(updated), nil
}

func (s *ReservationStore) ListByRoomAndRange(_ context.Context, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error) {
	return s.filter(func(r domain.Reservation) bool {
		return r.RoomID == roomID && r.Range.Overlaps(rng) && hasState(states, r.State)
	}), nil
}

func (s *ReservationStore) FindByOrderRef(_ context.Context, ref domain.OrderRef) (domain.Reservation, error) {
	if ref == "" {
		return domain.Reservation{}, domain.ErrNotFound
	}
	found := s.filter(func(r domain.Reservation) bool {
		return r.PaymentOrderRef == string(ref)
	})
	if len(found) == 0 {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return found[0], nil
}

// ListExpiring returns reservations in states whose hold expired at or before
// the cutoff, earliest expiry first.
func (s *ReservationStore) ListExpiring(_ context.Context, before time.Time, states []domain.State, limit int) ([]domain.Reservation, error) {
	out := s.filter(func(r domain.Reservation) bool {
		return hasState(states, r.State) && r.HoldExpiresAt != nil && !r.HoldExpiresAt.After(before)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReservationStore) ListByGuest(_ context.Context, guestID string) ([]domain.Reservation, error) {
	return s.filter(func(r domain.Reservation) bool { return r.GuestID == guestID }), nil
}

func (s *ReservationStore) filter(keep func(domain.Reservation) bool) []domain.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Reservation, 0)
	for _, r := range s.reservations {
		if keep(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func hasState(states []domain.State, s domain.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func clone(r domain.Reservation) domain.Reservation {
	if r.HoldExpiresAt != nil {
		exp := *r.HoldExpiresAt
		r.HoldExpiresAt = &exp
	}
	return r
}
