package notify

import (
	"context"
	"log/slog"

	"github.com/stayease/reservations/internal/domain"
)

// LogPublisher writes lifecycle events to the log instead of a broker.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, evt domain.LifecycleEvent) error {
	p.log.InfoContext(ctx, "lifecycle event",
		"event_id", evt.ID,
		"type", evt.Type,
		"reservation_id", evt.ReservationID,
		"room_id", evt.RoomID,
		"state", evt.State,
		"amount", evt.Amount.String(),
		"currency", evt.Currency,
	)
	return nil
}
