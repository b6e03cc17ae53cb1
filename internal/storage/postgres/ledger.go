package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
)

// Ledger keeps room-night holds in inventory_holds. Acquisition for a room is
// serialized with a transaction-scoped advisory lock keyed by the room id, and
// PAYMENT_PENDING or CONFIRMED reservations keep their nights even after their
// hold lapses.
type Ledger struct {
	db
	clock clock.Clock
}

func NewLedger(pool *pgxpool.Pool, clk clock.Clock) *Ledger {
	return &Ledger{db: db{pool: pool}, clock: clk}
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

	var token domain.HoldToken
	err := withTx(ctx, l.pool, func(ctx context.Context) error {
		if _, err := l.exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, roomID); err != nil {
			return fmt.Errorf("lock room: %w", err)
		}

		const claimed = `
SELECT EXISTS (
	SELECT 1 FROM reservations
	WHERE room_id = $1 AND check_in < $3 AND check_out > $2
	  AND state = ANY($4) AND id <> $5
)`
		var taken bool
		if err := l.queryRow(ctx, claimed, roomID, rng.CheckIn, rng.CheckOut, stateNames(domain.ProtectedStates), reservationID).Scan(&taken); err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return fmt.Errorf("check reservations: %w", err)
		}
		if taken {
			return domain.ErrRoomUnavailable
		}

		now := l.clock.Now()

		const releaseLapsed = `
UPDATE inventory_holds
SET status = 'released', released_at = $4
WHERE room_id = $1 AND status = 'active' AND expires_at <= $4
  AND check_in < $3 AND check_out > $2`
		if _, err := l.exec(ctx, releaseLapsed, roomID, rng.CheckIn, rng.CheckOut, now); err != nil {
			return fmt.Errorf("release lapsed holds: %w", err)
		}

		const overlapping = `
SELECT id, reservation_id, check_in, check_out, status, expires_at
FROM inventory_holds
WHERE room_id = $1 AND status IN ('active', 'committed')
  AND check_in < $3 AND check_out > $2
LIMIT 1`
		var (
			existing domain.InventoryHold
			status   string
		)
		err := l.queryRow(ctx, overlapping, roomID, rng.CheckIn, rng.CheckOut).Scan(
			&existing.ID, &existing.ReservationID, &existing.Range.CheckIn, &existing.Range.CheckOut, &status, &existing.ExpiresAt,
		)
		switch {
		case err == nil:
			existing.RoomID = roomID
			existing.Status = domain.HoldStatus(status)
			if existing.Status == domain.HoldStatusActive && existing.ReservationID == reservationID &&
				existing.Range.CheckIn.Equal(rng.CheckIn) && existing.Range.CheckOut.Equal(rng.CheckOut) {
				token = holdToken(existing)
				return nil
			}
			return domain.ErrRoomUnavailable
		case err != pgx.ErrNoRows:
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return fmt.Errorf("find overlapping holds: %w", err)
		}

		hold := domain.InventoryHold{
			ID:            uuid.NewString(),
			RoomID:        roomID,
			Range:         rng,
			ReservationID: reservationID,
			Status:        domain.HoldStatusActive,
			ExpiresAt:     now.Add(ttl),
			CreatedAt:     now,
		}
		const stmt = `
INSERT INTO inventory_holds (id, room_id, reservation_id, check_in, check_out, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := l.exec(ctx, stmt,
			hold.ID, hold.RoomID, hold.ReservationID, hold.Range.CheckIn, hold.Range.CheckOut,
			string(hold.Status), hold.ExpiresAt, hold.CreatedAt,
		); err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			return fmt.Errorf("insert hold: %w", err)
		}
		token = holdToken(hold)
		return nil
	})
	if err != nil {
		return domain.HoldToken{}, err
	}
	return token, nil
}

// Release frees the nights behind token, committed or not. Unknown and already
// released holds are a no-op.
func (l *Ledger) Release(ctx context.Context, token domain.HoldToken) error {
	const stmt = `
UPDATE inventory_holds
SET status = 'released', released_at = $2
WHERE id = $1 AND status <> 'released'`
	if _, err := l.exec(ctx, stmt, token.ID, l.clock.Now()); err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("release hold: %w", err)
	}
	return nil
}

// Renew pushes an active hold's expiry out to until. A lapsed hold stays
// active until another acquisition on the room releases it, so renewing it is
// safe under the room lock.
func (l *Ledger) Renew(ctx context.Context, token domain.HoldToken, until time.Time) error {
	return withTx(ctx, l.pool, func(ctx context.Context) error {
		if _, err := l.exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, token.RoomID); err != nil {
			return fmt.Errorf("lock room: %w", err)
		}
		var status string
		err := l.queryRow(ctx, `SELECT status FROM inventory_holds WHERE id = $1 FOR UPDATE`, token.ID).Scan(&status)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if err == pgx.ErrNoRows {
				return fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
			}
			return fmt.Errorf("lock hold: %w", err)
		}
		switch domain.HoldStatus(status) {
		case domain.HoldStatusReleased:
			return domain.ErrHoldReleased
		case domain.HoldStatusCommitted:
			return nil
		}
		if _, err := l.exec(ctx, `UPDATE inventory_holds SET expires_at = GREATEST(expires_at, $2) WHERE id = $1`, token.ID, until); err != nil {
			return fmt.Errorf("renew hold: %w", err)
		}
		return nil
	})
}

// Commit converts an active hold into a confirmed block; committing twice
// returns the same block.
func (l *Ledger) Commit(ctx context.Context, token domain.HoldToken) (domain.ConfirmedBlock, error) {
	var block domain.ConfirmedBlock
	err := withTx(ctx, l.pool, func(ctx context.Context) error {
		const query = `
SELECT room_id, reservation_id, check_in, check_out, status, committed_at
FROM inventory_holds
WHERE id = $1
FOR UPDATE`
		var (
			status      string
			committedAt *time.Time
		)
		block.HoldID = token.ID
		err := l.queryRow(ctx, query, token.ID).Scan(
			&block.RoomID, &block.ReservationID, &block.Range.CheckIn, &block.Range.CheckOut, &status, &committedAt,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if err == pgx.ErrNoRows {
				return fmt.Errorf("%w: unknown hold %q", domain.ErrHoldReleased, token.ID)
			}
			return fmt.Errorf("lock hold: %w", err)
		}
		block.Range.CheckIn = block.Range.CheckIn.UTC()
		block.Range.CheckOut = block.Range.CheckOut.UTC()

		switch domain.HoldStatus(status) {
		case domain.HoldStatusReleased:
			return domain.ErrHoldReleased
		case domain.HoldStatusCommitted:
			block.CommittedAt = committedAt.UTC()
			return nil
		}

		now := l.clock.Now()
		if _, err := l.exec(ctx, `UPDATE inventory_holds SET status = 'committed', committed_at = $2 WHERE id = $1`, token.ID, now); err != nil {
			return fmt.Errorf("commit hold: %w", err)
		}
		block.CommittedAt = now
		return nil
	})
	if err != nil {
		return domain.ConfirmedBlock{}, err
	}
	return block, nil
}

func holdToken(h domain.InventoryHold) domain.HoldToken {
	return domain.HoldToken{
		ID:            h.ID,
		RoomID:        h.RoomID,
		ReservationID: h.ReservationID,
		Range:         domain.DateRange{CheckIn: h.Range.CheckIn.UTC(), CheckOut: h.Range.CheckOut.UTC()},
		ExpiresAt:     h.ExpiresAt.UTC(),
	}
}
