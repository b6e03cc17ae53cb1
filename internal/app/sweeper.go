package app

import (
	"context"
	"log/slog"
	"time"
)

type holdSweeper interface {
	SweepExpiredHolds(ctx context.Context) (SweepResult, error)
}

// Sweeper runs SweepExpiredHolds on a fixed interval until its context ends.
type Sweeper struct {
	coordinator holdSweeper
	interval    time.Duration
	log         *slog.Logger
}

func NewSweeper(coordinator holdSweeper, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		log:         log,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("hold sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("hold sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	res, err := s.coordinator.SweepExpiredHolds(ctx)
	if err != nil {
		s.log.Error("sweep expired holds", "err", err)
		return
	}
	if res.Expired > 0 || res.Skipped > 0 {
		s.log.Info("expired holds swept", "expired", res.Expired, "skipped", res.Skipped)
	}
}
