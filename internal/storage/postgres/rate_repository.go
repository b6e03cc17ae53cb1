package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stayease/reservations/internal/domain"
)

type RateRepository struct {
	db
}

func NewRateRepository(pool *pgxpool.Pool) *RateRepository {
	return &RateRepository{db: db{pool: pool}}
}

func (r *RateRepository) GetRate(ctx context.Context, roomID string) (domain.RoomRate, error) {
	const query = `
SELECT room_id, hotel_id, nightly_rate_minor, currency, updated_at
FROM room_rates
WHERE room_id = $1`

	var (
		rate    domain.RoomRate
		nightly int64
	)
	err := r.queryRow(ctx, query, roomID).Scan(&rate.RoomID, &rate.HotelID, &nightly, &rate.Currency, &rate.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RoomRate{}, domain.ErrRoomNotFound
		}
		return domain.RoomRate{}, fmt.Errorf("get room rate: %w", err)
	}
	rate.Nightly = domain.Money(nightly)
	rate.UpdatedAt = rate.UpdatedAt.UTC()
	return rate, nil
}

func (r *RateRepository) UpsertRate(ctx context.Context, rate domain.RoomRate) error {
	const stmt = `
INSERT INTO room_rates (room_id, hotel_id, nightly_rate_minor, currency, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (room_id) DO UPDATE SET
	hotel_id = EXCLUDED.hotel_id,
	nightly_rate_minor = EXCLUDED.nightly_rate_minor,
	currency = EXCLUDED.currency,
	updated_at = EXCLUDED.updated_at`

	if _, err := r.exec(ctx, stmt, rate.RoomID, rate.HotelID, int64(rate.Nightly), rate.Currency, rate.UpdatedAt); err != nil {
		return fmt.Errorf("upsert room rate: %w", err)
	}
	return nil
}
