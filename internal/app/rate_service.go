package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
)

type RateRepository interface {
	GetRate(ctx context.Context, roomID string) (domain.RoomRate, error)
	UpsertRate(ctx context.Context, rate domain.RoomRate) error
}

// RateService is the catalog surface for nightly room prices. The coordinator
// reads it once per booking; admins change it at any time.
type RateService struct {
	repo            RateRepository
	clock           clock.Clock
	defaultCurrency string
}

func NewRateService(repo RateRepository, clk clock.Clock, defaultCurrency string) *RateService {
	if defaultCurrency == "" {
		defaultCurrency = "INR"
	}
	return &RateService{
		repo:            repo,
		clock:           clk,
		defaultCurrency: defaultCurrency,
	}
}

func (s *RateService) NightlyRate(ctx context.Context, roomID string) (domain.RoomRate, error) {
	if roomID == "" {
		return domain.RoomRate{}, domain.ErrRoomNotFound
	}
	return s.repo.GetRate(ctx, roomID)
}

type SetRateInput struct {
	RoomID   string
	HotelID  string
	Nightly  domain.Money
	Currency string
}

func (s *RateService) SetRate(ctx context.Context, p domain.Principal, in SetRateInput) (domain.RoomRate, error) {
	if !p.IsAdmin() {
		return domain.RoomRate{}, domain.ErrForbidden
	}
	if strings.TrimSpace(in.RoomID) == "" {
		return domain.RoomRate{}, fmt.Errorf("%w: room_id is required", domain.ErrValidation)
	}
	if in.Nightly <= 0 {
		return domain.RoomRate{}, fmt.Errorf("%w: nightly_rate must be positive", domain.ErrValidation)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	rate := domain.RoomRate{
		RoomID:    in.RoomID,
		HotelID:   in.HotelID,
		Nightly:   in.Nightly,
		Currency:  currency,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.repo.UpsertRate(ctx, rate); err != nil {
		return domain.RoomRate{}, err
	}
	return rate, nil
}

func (s *RateService) GetRate(ctx context.Context, p domain.Principal, roomID string) (domain.RoomRate, error) {
	if !p.IsAdmin() {
		return domain.RoomRate{}, domain.ErrForbidden
	}
	return s.NightlyRate(ctx, roomID)
}
