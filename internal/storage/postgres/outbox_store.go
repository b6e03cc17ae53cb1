package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stayease/reservations/internal/notify"
)

const maxOutboxAttempts = 10

type OutboxStore struct {
	db
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{db: db{pool: pool}}
}

func (s *OutboxStore) Insert(ctx context.Context, evt notify.OutboxEvent) error {
	const stmt = `
INSERT INTO outbox (event_id, aggregate_id, type, payload, traceparent, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6)
ON CONFLICT (event_id) DO NOTHING`

	if _, err := s.exec(ctx, stmt, evt.EventID, evt.AggregateID, evt.Type, evt.Payload, evt.Traceparent, evt.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// LockBatch claims up to batchSize pending events, and events whose lease ran
// out, for the caller.
func (s *OutboxStore) LockBatch(ctx context.Context, batchSize int, lease time.Duration) ([]notify.OutboxEvent, error) {
	var events []notify.OutboxEvent
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		const query = `
SELECT id, event_id, aggregate_id, type, payload, traceparent, attempts, created_at
FROM outbox
WHERE status = 'pending' OR (status = 'in_progress' AND lease_until < NOW())
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

		rows, err := s.query(ctx, query, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e notify.OutboxEvent
			if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.Type, &e.Payload, &e.Traceparent, &e.Attempts, &e.CreatedAt); err != nil {
				return err
			}
			e.Status = notify.OutboxInProgress
			events = append(events, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		_, err = s.exec(ctx, `
UPDATE outbox
SET status = 'in_progress', lease_until = NOW() + make_interval(secs => $1)
WHERE id = ANY($2)`, lease.Seconds(), ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lock outbox batch: %w", err)
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if _, err := s.exec(ctx, `UPDATE outbox SET status = 'sent', lease_until = NULL WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkFailed returns the event to the queue until it has used its attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	const stmt = `
UPDATE outbox
SET attempts = attempts + 1,
	last_error = $2,
	lease_until = NULL,
	status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END
WHERE id = $1`
	if _, err := s.exec(ctx, stmt, id, errMsg, maxOutboxAttempts); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}
