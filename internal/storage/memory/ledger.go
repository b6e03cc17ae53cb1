// Package memory holds in-process implementations of the reservation stores.
// They back the single-node deployment and the coordinator tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
)

// Ledger is the inventory ledger. Every check-and-insert for a room runs under
// that room's lock.
type Ledger struct {
	clock        clock.Clock
	reservations ReservationLister

	mu    sync.Mutex
	rooms map[string]*roomLedger
	index map[string]string // hold id -> room id
}

// ReservationLister is the durable record the ledger cross-checks before
// handing out nights.
type ReservationLister interface {
	ListByRoomAndRange(ctx context.Context, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error)
}

type LedgerOption func(*Ledger)

// WithReservations makes acquisition refuse nights still claimed by a
// PAYMENT_PENDING or CONFIRMED reservation, whatever the hold says.
func WithReservations(r ReservationLister) LedgerOption {
	return func(l *Ledger) {
		l.reservations = r
	}
}

type roomLedger struct {
	mu    sync.Mutex
	holds map[string]*domain.InventoryHold
}

func NewLedger(clk clock.Clock, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		clock: clk,
		rooms: make(map[string]*roomLedger),
		index: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) room(roomID string) *roomLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rooms[roomID]
	if !ok {
		rl = &roomLedger{holds: make(map[string]*domain.InventoryHold)}
		l.rooms[roomID] = rl
	}
	return rl
}

func (l *Ledger) TryAcquireHold(ctx context.Context, roomID string, rng domain.DateRange, reservationID string, ttl time.Duration) (domain.HoldToken, error) {
	if roomID == "" {
		return domain.HoldToken{}, fmt.Errorf("%w: room_id is required", domain.ErrValidation)
	}
	if err := rng.Validate(); err != nil {
		return domain.HoldToken{}, err
	}
	if ttl <= 0 {
		return domain.HoldToken{}, fmt.Errorf("%w: hold ttl must be positive", domain.ErrValidation)
	}

	rl := l.room(roomID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := l.clock.Now()
	var lapsed []*domain.InventoryHold
	for _, h := range rl.holds {
		if !h.Range.Overlaps(rng) {
			continue
		}
		if h.Blocks(now) {
			if h.ReservationID == reservationID && h.Status == domain.HoldStatusActive && h.Range == rng {
				return tokenFor(*h), nil
			}
			return domain.HoldToken{}, domain.ErrRoomUnavailable
		}
		if h.Status == domain.HoldStatusActive {
			lapsed = append(lapsed, h)
		}
	}

	if l.reservations != nil {
		claimed, err := l.reservations.ListByRoomAndRange(ctx, roomID, rng, domain.ProtectedStates)
		if err != nil {
			return domain.HoldToken{}, fmt.Errorf("check reservations: %w", err)
		}
		for _, r := range claimed {
			if r.ID != reservationID {
				return domain.HoldToken{}, domain.ErrRoomUnavailable
			}
		}
	}

	// Lapsed holds lose their nights only once the new hold is certain.
	for _, h := range lapsed {
		released := now
		h.Status = domain.HoldStatusReleased
		h.ReleasedAt = &released
	}

	h := &domain.InventoryHold{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Range:         rng,
		ReservationID: reservationID,
		Status:        domain.HoldStatusActive,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	rl.holds[h.ID] = h

	l.mu.Lock()
	l.index[h.ID] = roomID
	l.mu.Unlock()

	return tokenFor(*h), nil
}

// Release frees the nights behind token, committed or not. Releasing twice is a no-op.
func (l *Ledger) Release(_ context.Context, token domain.HoldToken) error {
	rl, ok := l.lookup(token)
	if !ok {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	h, ok := rl.holds[token.ID]
	if !ok || h.Status == domain.HoldStatusReleased {
		return nil
	}
	now := l.clock.Now()
	h.Status = domain.HoldStatusReleased
	h.ReleasedAt = &now
	return nil
}

// Renew pushes an active hold's expiry out to until, lapsed or not. A lapsed
// hold is still active only while no other hold has taken its nights.
func (l *Ledger) Renew(_ context.Context, token domain.HoldToken, until time.Time) error {
	rl, ok := l.lookup(token)
	if !ok {
		return fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	h, ok := rl.holds[token.ID]
	if !ok {
		return fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
	}
	switch h.Status {
	case domain.HoldStatusReleased:
		return domain.ErrHoldReleased
	case domain.HoldStatusActive:
		if until.After(h.ExpiresAt) {
			h.ExpiresAt = until
		}
	}
	return nil
}

// Commit turns an active hold into a confirmed block. Committing twice returns
// the same block.
func (l *Ledger) Commit(_ context.Context, token domain.HoldToken) (domain.ConfirmedBlock, error) {
	rl, ok := l.lookup(token)
	if !ok {
		return domain.ConfirmedBlock{}, fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	h, ok := rl.holds[token.ID]
	if !ok {
		return domain.ConfirmedBlock{}, fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
	}
	switch h.Status {
	case domain.HoldStatusReleased:
		return domain.ConfirmedBlock{}, domain.ErrHoldReleased
	case domain.HoldStatusActive:
		now := l.clock.Now()
		h.Status = domain.HoldStatusCommitted
		h.CommittedAt = &now
	}
	return domain.ConfirmedBlock{
		HoldID:        h.ID,
		RoomID:        h.RoomID,
		ReservationID: h.ReservationID,
		Range:         h.Range,
		CommittedAt:   *h.CommittedAt,
	}, nil
}

// Holds returns a snapshot of every hold recorded for a room, oldest first.
func (l *Ledger) Holds(roomID string) []domain.InventoryHold {
	rl := l.room(roomID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make([]domain.InventoryHold, 0, len(rl.holds))
	for _, h := range rl.holds {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) lookup(token domain.HoldToken) (*roomLedger, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	roomID, ok := l.index[token.ID]
	if !ok {
		return nil, false
	}
	return l.rooms[roomID], true
}

func tokenFor(h domain.InventoryHold) domain.HoldToken {
	return domain.HoldToken{
		ID:            h.ID,
		RoomID:        h.RoomID,
		ReservationID: h.ReservationID,
		Range:         h.Range,
		ExpiresAt:     h.ExpiresAt,
	}
}
