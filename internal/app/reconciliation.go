package app

import (
	"context"

	"github.com/stayease/reservations/internal/domain"
)

// ListReconciliationTasks returns open operator work.
func (c *Coordinator) ListReconciliationTasks(ctx context.Context, p domain.Principal) ([]domain.ReconciliationTask, error) {
	if !p.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return c.queue.ListOpen(ctx)
}

// RetryReconciliation makes one attempt at the action a task records and
// resolves it on success.
func (c *Coordinator) RetryReconciliation(ctx context.Context, p domain.Principal, taskID string) (domain.ReconciliationTask, error) {
	if !p.IsAdmin() {
		return domain.ReconciliationTask{}, domain.ErrForbidden
	}
	task, err := c.queue.Get(ctx, taskID)
	if err != nil {
		return domain.ReconciliationTask{}, err
	}
	if task.Status == domain.TaskResolved {
		return task, nil
	}

	attemptErr := c.attempt(ctx, task)
	lastErr := ""
	if attemptErr != nil {
		lastErr = attemptErr.Error()
		c.log.Warn("reconciliation attempt failed", "task_id", task.ID, "kind", task.Kind, "err", attemptErr)
	} else {
		c.log.Info("reconciliation task resolved", "task_id", task.ID, "kind", task.Kind, "reservation_id", task.ReservationID)
	}
	return c.queue.MarkAttempt(ctx, task.ID, lastErr, attemptErr == nil, c.clock.Now())
}

func (c *Coordinator) attempt(ctx context.Context, task domain.ReconciliationTask) error {
	switch task.Kind {
	case domain.TaskRefund:
		rctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
		defer cancel()
		_, err := c.gateway.Refund(rctx, task.PaymentReference, task.Amount)
		return err
	}

	r, err := c.store.Get(ctx, task.ReservationID)
	if err != nil {
		return err
	}
	token := r.HoldToken()
	if task.HoldID != "" {
		token.ID = task.HoldID
	}

	switch task.Kind {
	case domain.TaskLedgerCommit:
		// A booking cancelled since the failure has nothing left to commit.
		if r.State != domain.StateConfirmed {
			return nil
		}
		_, err := c.ledger.Commit(ctx, token)
		return err
	case domain.TaskLedgerRelease:
		return c.ledger.Release(ctx, token)
	}
	return nil
}
