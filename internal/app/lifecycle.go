package app

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stayease/reservations/internal/domain"
)

type CancelResult struct {
	Reservation domain.Reservation
	Refund      domain.RefundStatus
}

const cancelAttempts = 3

// CancelReservation closes a reservation on behalf of its guest or an admin.
// A refund for a confirmed booking is attempted once; its outcome is reported
// but never fails the cancellation. A confirmation landing between the read
// and the transition is retried against the new state.
func (c *Coordinator) CancelReservation(ctx context.Context, p domain.Principal, id, reason string) (res CancelResult, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.CancelReservation",
		trace.WithAttributes(attribute.String("reservation.id", id)))
	defer func() { endSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		res, err = c.cancel(ctx, p, id, reason)
		if !errors.Is(err, domain.ErrStaleState) || attempt == cancelAttempts {
			return res, err
		}
	}
}

func (c *Coordinator) cancel(ctx context.Context, p domain.Principal, id, reason string) (CancelResult, error) {
	r, err := c.authorized(ctx, p, id)
	if err != nil {
		return CancelResult{}, err
	}

	switch r.State {
	case domain.StateCancelled:
		return CancelResult{Reservation: r, Refund: domain.RefundNotRequired}, nil
	case domain.StateHeld, domain.StatePaymentPending, domain.StatePaymentFailed, domain.StateConfirmed:
	default:
		return CancelResult{}, domain.ErrInvalidState
	}

	prev := r.State
	cancelled, err := c.transition(ctx, r.ID, prev, domain.StateCancelled, func(x *domain.Reservation) {
		x.CancelledBy = p.ID
		x.StateReason = reason
	}, domain.EventCancelled)
	if err != nil {
		return CancelResult{}, err
	}
	c.releaseHold(ctx, cancelled)

	res := CancelResult{Reservation: cancelled, Refund: domain.RefundNotRequired}
	if prev == domain.StateConfirmed && cancelled.PaymentReference != "" {
		res.Refund = c.refund(ctx, cancelled, cancelled.PaymentReference, cancelled.TotalAmount)
	}

	c.log.Info("reservation cancelled",
		"reservation_id", cancelled.ID,
		"previous_state", prev,
		"cancelled_by", p.ID,
		"refund", res.Refund,
	)
	return res, nil
}

type SweepResult struct {
	Expired int
	Skipped int
}

var sweepStates = []domain.State{domain.StateHeld, domain.StatePaymentPending, domain.StatePaymentFailed}

// SweepExpiredHolds expires unpaid reservations whose hold has lapsed. It takes
// no locks; a reservation that moved since it was listed is skipped.
func (c *Coordinator) SweepExpiredHolds(ctx context.Context) (res SweepResult, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.SweepExpiredHolds")
	defer func() {
		span.SetAttributes(attribute.Int("sweep.expired", res.Expired), attribute.Int("sweep.skipped", res.Skipped))
		endSpan(span, err)
	}()

	now := c.clock.Now()
	candidates, err := c.store.ListExpiring(ctx, now, sweepStates, c.sweepBatch)
	if err != nil {
		return SweepResult{}, err
	}

	for _, r := range candidates {
		if r.State == domain.StatePaymentPending && c.paymentGrace > 0 && r.HoldExpiresAt != nil &&
			now.Before(r.HoldExpiresAt.Add(c.paymentGrace)) {
			res.Skipped++
			continue
		}
		if _, err := c.expire(ctx, r, "hold_expired"); err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Expired++
	}
	return res, nil
}
