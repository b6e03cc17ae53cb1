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

type ReservationStore struct {
	db
	clock clock.Clock
}

func NewReservationStore(pool *pgxpool.Pool, clk clock.Clock) *ReservationStore {
	return &ReservationStore{db: db{pool: pool}, clock: clk}
}

const reservationColumns = `
id, room_id, hotel_id, guest_id, guest_name, guest_email, guest_phone,
check_in, check_out, guest_count, special_requests, total_amount, currency,
state, hold_id, hold_expires_at, payment_order_ref, payment_reference,
state_reason, cancelled_by, version, created_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		r                            domain.Reservation
		holdID, orderRef, paymentRef *string
		state                        string
		total                        int64
	)
	err := row.Scan(
		&r.ID, &r.RoomID, &r.HotelID, &r.GuestID, &r.Guest.Name, &r.Guest.Email, &r.Guest.Phone,
		&r.Range.CheckIn, &r.Range.CheckOut, &r.GuestCount, &r.SpecialRequests, &total, &r.Currency,
		&state, &holdID, &r.HoldExpiresAt, &orderRef, &paymentRef,
		&r.StateReason, &r.CancelledBy, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.State = domain.State(state)
	r.TotalAmount = domain.Money(total)
	r.HoldID = deref(holdID)
	r.PaymentOrderRef = deref(orderRef)
	r.PaymentReference = deref(paymentRef)
	r.Range.CheckIn = r.Range.CheckIn.UTC()
	r.Range.CheckOut = r.Range.CheckOut.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.HoldExpiresAt != nil {
		exp := r.HoldExpiresAt.UTC()
		r.HoldExpiresAt = &exp
	}
	return r, nil
}

func (s *ReservationStore) Create(ctx context.Context, r domain.Reservation) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	const stmt = `
INSERT INTO reservations (
	id, room_id, hotel_id, guest_id, guest_name, guest_email, guest_phone,
	check_in, check_out, guest_count, special_requests, total_amount, currency,
	state, hold_id, hold_expires_at, payment_order_ref, payment_reference,
	state_reason, cancelled_by, version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err := s.exec(ctx, stmt,
		r.ID, r.RoomID, r.HotelID, r.GuestID, r.Guest.Name, r.Guest.Email, r.Guest.Phone,
		r.Range.CheckIn, r.Range.CheckOut, r.GuestCount, r.SpecialRequests, int64(r.TotalAmount), r.Currency,
		string(r.State), nullString(r.HoldID), r.HoldExpiresAt, nullString(r.PaymentOrderRef), nullString(r.PaymentReference),
		r.StateReason, r.CancelledBy, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrStaleState
		}
		if isInvalidUUID(err) {
			return "", domain.ErrInvalidID
		}
		return "", fmt.Errorf("create reservation: %w", err)
	}
	return r.ID, nil
}

func (s *ReservationStore) Get(ctx context.Context, id string) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	r, err := scanReservation(s.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// CompareAndSwapState locks the row, checks the expected state and writes the
// mutated record in one transaction.
func (s *ReservationStore) CompareAndSwapState(ctx context.Context, id string, expected, next domain.State, mutate func(*domain.Reservation)) (domain.Reservation, error) {
	var out domain.Reservation
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
		cur, err := scanReservation(s.queryRow(ctx, query, id))
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if err == pgx.ErrNoRows {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock reservation: %w", err)
		}
		if cur.State != expected {
			return domain.ErrStaleState
		}

		updated, err := cur.Mutated(next, mutate, s.clock.Now())
		if err != nil {
			return err
		}

		const stmt = `
UPDATE reservations SET
	guest_name = $3, guest_email = $4, guest_phone = $5, special_requests = $6,
	state = $7, hold_id = $8, hold_expires_at = $9, payment_order_ref = $10,
	payment_reference = $11, state_reason = $12, cancelled_by = $13,
	version = $14, updated_at = $15
WHERE id = $1 AND state = $2`

		tag, err := s.exec(ctx, stmt,
			id, string(expected),
			updated.Guest.Name, updated.Guest.Email, updated.Guest.Phone, updated.SpecialRequests,
			string(updated.State), nullString(updated.HoldID), updated.HoldExpiresAt, nullString(updated.PaymentOrderRef),
			nullString(updated.PaymentReference), updated.StateReason, updated.CancelledBy,
			updated.Version, updated.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicatePaymentReference
			}
			return fmt.Errorf("update reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrStaleState
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

func (s *ReservationStore) ListByRoomAndRange(ctx context.Context, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE room_id = $1 AND check_in < $3 AND check_out > $2 AND state = ANY($4)
ORDER BY created_at, id`
	return s.list(ctx, "list room reservations", query, roomID, rng.CheckIn, rng.CheckOut, stateNames(states))
}

func (s *ReservationStore) FindByOrderRef(ctx context.Context, ref domain.OrderRef) (domain.Reservation, error) {
	if ref == "" {
		return domain.Reservation{}, domain.ErrNotFound
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE payment_order_ref = $1 ORDER BY created_at LIMIT 1`
	r, err := scanReservation(s.queryRow(ctx, query, string(ref)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("find reservation by order: %w", err)
	}
	return r, nil
}

func (s *ReservationStore) ListExpiring(ctx context.Context, before time.Time, states []domain.State, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + reservationColumns + `
FROM reservations
WHERE state = ANY($1) AND hold_expires_at <= $2
ORDER BY hold_expires_at
LIMIT $3`
	return s.list(ctx, "list expiring reservations", query, stateNames(states), before, limit)
}

func (s *ReservationStore) ListByGuest(ctx context.Context, guestID string) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE guest_id = $1 ORDER BY created_at, id`
	return s.list(ctx, "list guest reservations", query, guestID)
}

func (s *ReservationStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func stateNames(states []domain.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
