package notify

import (
	"context"
	"log/slog"
	"time"
)

type RelayStore interface {
	LockBatch(ctx context.Context, batchSize int, lease time.Duration) ([]OutboxEvent, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, evt OutboxEvent) error
}

// Relay moves outbox events to the dispatcher. A batch is leased so a crashed
// relay's events are picked up again once the lease runs out.
type Relay struct {
	log        *slog.Logger
	store      RelayStore
	dispatcher Dispatcher
	batchSize  int
	interval   time.Duration
	lease      time.Duration
}

func NewRelay(log *slog.Logger, store RelayStore, dispatcher Dispatcher, interval time.Duration) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Relay{
		log:        log,
		store:      store,
		dispatcher: dispatcher,
		batchSize:  100,
		interval:   interval,
		lease:      30 * time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return nil
		case <-t.C:
			if _, err := r.flush(ctx); err != nil {
				r.log.Error("outbox relay batch", "err", err)
			}
		}
	}
}

// flush relays one batch and reports how many events were sent.
func (r *Relay) flush(ctx context.Context) (int, error) {
	events, err := r.store.LockBatch(ctx, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		if err := r.dispatcher.Dispatch(ctx, e); err != nil {
			if mErr := r.store.MarkFailed(ctx, e.ID, err.Error()); mErr != nil {
				r.log.Error("outbox mark failed", "outbox_id", e.ID, "err", mErr)
			}
			continue
		}
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		if err := r.store.MarkSent(ctx, ids); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
