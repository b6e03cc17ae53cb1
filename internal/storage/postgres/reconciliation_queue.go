package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stayease/reservations/internal/domain"
)

type ReconciliationQueue struct {
	db
}

func NewReconciliationQueue(pool *pgxpool.Pool) *ReconciliationQueue {
	return &ReconciliationQueue{db: db{pool: pool}}
}

const taskColumns = `id, kind, reservation_id, hold_id, payment_reference, amount, last_error, status, attempts, created_at, resolved_at`

func scanTask(row pgx.Row) (domain.ReconciliationTask, error) {
	var (
		t            domain.ReconciliationTask
		kind, status string
		amount       int64
	)
	err := row.Scan(&t.ID, &kind, &t.ReservationID, &t.HoldID, &t.PaymentReference, &amount,
		&t.LastError, &status, &t.Attempts, &t.CreatedAt, &t.ResolvedAt)
	if err != nil {
		return domain.ReconciliationTask{}, err
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	t.Amount = domain.Money(amount)
	return t, nil
}

func (q *ReconciliationQueue) Enqueue(ctx context.Context, task domain.ReconciliationTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskOpen
	}
	const stmt = `
INSERT INTO reconciliation_tasks (id, kind, reservation_id, hold_id, payment_reference, amount, last_error, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := q.exec(ctx, stmt,
		task.ID, string(task.Kind), task.ReservationID, task.HoldID, task.PaymentReference,
		int64(task.Amount), task.LastError, string(task.Status), task.Attempts, task.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("enqueue reconciliation task: %w", err)
	}
	return nil
}

func (q *ReconciliationQueue) ListOpen(ctx context.Context) ([]domain.ReconciliationTask, error) {
	rows, err := q.query(ctx, `SELECT `+taskColumns+` FROM reconciliation_tasks WHERE status = 'open' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation tasks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ReconciliationTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list reconciliation tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *ReconciliationQueue) Get(ctx context.Context, id string) (domain.ReconciliationTask, error) {
	t, err := scanTask(q.queryRow(ctx, `SELECT `+taskColumns+` FROM reconciliation_tasks WHERE id = $1`, id))
	if err != nil {
		if isInvalidUUID(err) || err == pgx.ErrNoRows {
			return domain.ReconciliationTask{}, domain.ErrTaskNotFound
		}
		return domain.ReconciliationTask{}, fmt.Errorf("get reconciliation task: %w", err)
	}
	return t, nil
}

func (q *ReconciliationQueue) MarkAttempt(ctx context.Context, id string, lastErr string, resolved bool, at time.Time) (domain.ReconciliationTask, error) {
	const stmt = `
UPDATE reconciliation_tasks
SET attempts = attempts + 1,
	last_error = $2,
	status = CASE WHEN $3 THEN 'resolved' ELSE status END,
	resolved_at = CASE WHEN $3 THEN $4 ELSE resolved_at END
WHERE id = $1
RETURNING ` + taskColumns
	t, err := scanTask(q.queryRow(ctx, stmt, id, lastErr, resolved, at))
	if err != nil {
		if isInvalidUUID(err) || err == pgx.ErrNoRows {
			return domain.ReconciliationTask{}, domain.ErrTaskNotFound
		}
		return domain.ReconciliationTask{}, fmt.Errorf("mark reconciliation attempt: %w", err)
	}
	return t, nil
}
