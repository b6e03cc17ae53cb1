package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stayease/reservations/internal/domain"
)

type PaymentIntentResult struct {
	Intent  domain.PaymentIntent
	Created bool
}

// ConfirmResult mirrors the idempotent confirm contract: Created is false when
// the callback was a replay of an already applied payment.
type ConfirmResult struct {
	Reservation         domain.Reservation
	Created             bool
	NeedsReconciliation bool
}

// InitiatePayment moves a HELD reservation to PAYMENT_PENDING and opens an
// order at the gateway. Retrying after success returns the same intent.
func (c *Coordinator) InitiatePayment(ctx context.Context, p domain.Principal, id string) (res PaymentIntentResult, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.InitiatePayment",
		trace.WithAttributes(attribute.String("reservation.id", id)))
	defer func() { endSpan(span, err) }()

	r, err := c.authorized(ctx, p, id)
	if err != nil {
		return PaymentIntentResult{}, err
	}

	switch r.State {
	case domain.StatePaymentPending:
		if r.PaymentOrderRef != "" {
			return PaymentIntentResult{Intent: c.intentFor(r)}, nil
		}
		return PaymentIntentResult{}, domain.ErrStaleState
	case domain.StateHeld:
	default:
		return PaymentIntentResult{}, domain.ErrInvalidState
	}

	if r.HoldExpired(c.clock.Now()) {
		if _, err := c.expire(ctx, r, "hold_expired"); err != nil && !errors.Is(err, domain.ErrStaleState) {
			return PaymentIntentResult{}, err
		}
		return PaymentIntentResult{}, domain.ErrHoldExpired
	}

	// The sweeper leaves PAYMENT_PENDING alone for the grace period, so the
	// ledger hold has to outlive the reservation's own expiry by as much.
	if c.paymentGrace > 0 && r.HoldExpiresAt != nil {
		if err := c.ledger.Renew(ctx, r.HoldToken(), r.HoldExpiresAt.Add(c.paymentGrace)); err != nil {
			if !errors.Is(err, domain.ErrHoldReleased) {
				return PaymentIntentResult{}, err
			}
			if _, err := c.expire(ctx, r, "hold_reclaimed"); err != nil && !errors.Is(err, domain.ErrStaleState) {
				return PaymentIntentResult{}, err
			}
			return PaymentIntentResult{}, domain.ErrHoldExpired
		}
	}

	// A retry after a failed attempt pays into the order already opened, so a
	// late success for that order still finds its reservation.
	if r.PaymentOrderRef != "" {
		pending, err := c.transition(ctx, r.ID, domain.StateHeld, domain.StatePaymentPending, func(x *domain.Reservation) {
			x.StateReason = ""
		}, domain.EventPaymentPending)
		if err != nil {
			return PaymentIntentResult{}, err
		}
		return PaymentIntentResult{Intent: c.intentFor(pending)}, nil
	}

	pending, err := c.store.CompareAndSwapState(ctx, r.ID, domain.StateHeld, domain.StatePaymentPending, func(x *domain.Reservation) {
		x.StateReason = ""
	})
	if err != nil {
		return PaymentIntentResult{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	ref, err := c.gateway.CreateOrder(gctx, pending.TotalAmount, pending.Currency, map[string]string{
		"reservation_id": pending.ID,
		"room_id":        pending.RoomID,
		"receipt":        "receipt_" + pending.ID,
	})
	cancel()
	if err != nil {
		c.log.Warn("create gateway order", "reservation_id", pending.ID, "gateway", c.gateway.Name(), "err", err)
		if _, ferr := c.failPayment(ctx, pending, "order_create_failed"); ferr != nil {
			c.log.Warn("roll back payment attempt", "reservation_id", pending.ID, "err", ferr)
		}
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	withRef, err := c.transition(ctx, pending.ID, domain.StatePaymentPending, domain.StatePaymentPending, func(x *domain.Reservation) {
		x.PaymentOrderRef = string(ref)
	}, domain.EventPaymentPending)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	return PaymentIntentResult{Intent: c.intentFor(withRef), Created: true}, nil
}

func (c *Coordinator) intentFor(r domain.Reservation) domain.PaymentIntent {
	intent := domain.PaymentIntent{
		ReservationID: r.ID,
		Gateway:       c.gateway.Name(),
		OrderRef:      domain.OrderRef(r.PaymentOrderRef),
		Amount:        r.TotalAmount,
		Currency:      r.Currency,
	}
	if r.HoldExpiresAt != nil {
		intent.ExpiresAt = *r.HoldExpiresAt
	}
	return intent
}

// HandleCallback routes a raw gateway callback to the reservation owning its order.
func (c *Coordinator) HandleCallback(ctx context.Context, raw domain.RawCallback) (ConfirmResult, error) {
	cb, err := c.gateway.ParseCallback(raw)
	if err != nil {
		return ConfirmResult{}, err
	}
	r, err := c.store.FindByOrderRef(ctx, cb.OrderRef)
	if err != nil {
		return ConfirmResult{}, err
	}
	return c.ConfirmPayment(ctx, r.ID, cb)
}

// ConfirmPayment applies a gateway callback. The store transition to CONFIRMED
// is committed before the ledger commit; a ledger failure after that point is
// queued for reconciliation instead of being retried here.
//
// A success for the reservation's current order is applied from HELD or
// PAYMENT_FAILED as well, since a decline on one attempt does not stop the
// guest from paying the same order again.
func (c *Coordinator) ConfirmPayment(ctx context.Context, id string, cb domain.PaymentCallback) (res ConfirmResult, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.ConfirmPayment",
		trace.WithAttributes(
			attribute.String("reservation.id", id),
			attribute.String("payment.order_ref", string(cb.OrderRef)),
		))
	defer func() { endSpan(span, err) }()

	r, err := c.store.Get(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}

	switch {
	case r.State == domain.StateConfirmed && cb.PaymentRef != "" && r.PaymentReference == cb.PaymentRef:
		if string(cb.OrderRef) != r.PaymentOrderRef {
			return ConfirmResult{}, fmt.Errorf("%w: callback order does not belong to reservation", domain.ErrValidation)
		}
		if _, err := c.verify(ctx, r, cb); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Reservation: r}, nil
	case r.State == domain.StateConfirmed || r.State.Closed():
		return ConfirmResult{}, c.refundUnapplied(ctx, r, cb)
	case r.State == domain.StatePaymentPending, r.State == domain.StateHeld, r.State == domain.StatePaymentFailed:
	default:
		return ConfirmResult{}, domain.ErrInvalidState
	}
	if r.PaymentOrderRef == "" {
		return ConfirmResult{}, domain.ErrInvalidState
	}
	if string(cb.OrderRef) != r.PaymentOrderRef {
		return ConfirmResult{}, fmt.Errorf("%w: callback order does not belong to reservation", domain.ErrValidation)
	}

	verified, err := c.verify(ctx, r, cb)
	if err != nil {
		switch {
		case isPaymentFailure(err):
			if r.State == domain.StatePaymentPending {
				if _, ferr := c.failPayment(ctx, r, err.Error()); ferr != nil && !errors.Is(ferr, domain.ErrStaleState) {
					c.log.Error("record payment failure", "reservation_id", r.ID, "err", ferr)
				}
			}
			return ConfirmResult{}, err
		case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrPaymentPending):
			return ConfirmResult{Reservation: r}, err
		}
		c.log.Warn("payment verification inconclusive",
			"reservation_id", r.ID,
			"order_ref", cb.OrderRef,
			"err", err,
		)
		return ConfirmResult{Reservation: r}, fmt.Errorf("%w: %v", domain.ErrPaymentPending, err)
	}

	if r.State != domain.StatePaymentPending {
		r, err = c.store.CompareAndSwapState(ctx, r.ID, r.State, domain.StatePaymentPending, func(x *domain.Reservation) {
			x.StateReason = ""
		})
		if err != nil {
			if errors.Is(err, domain.ErrStaleState) {
				return c.resolveLostConfirm(ctx, id, verified)
			}
			return ConfirmResult{}, err
		}
	}

	// Past its hold the reservation only keeps its nights if no one else has
	// taken them; renew the hold or give the money back.
	if now := c.clock.Now(); r.HoldExpired(now) {
		if err := c.ledger.Renew(ctx, r.HoldToken(), now.Add(c.holdTTL)); err != nil {
			if !errors.Is(err, domain.ErrHoldReleased) {
				return ConfirmResult{}, err
			}
			return c.rejectReclaimed(ctx, r, verified)
		}
	}

	confirmed, err := c.transition(ctx, r.ID, domain.StatePaymentPending, domain.StateConfirmed, func(x *domain.Reservation) {
		x.PaymentReference = verified.PaymentRef
		x.StateReason = ""
	}, domain.EventConfirmed)
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return c.resolveLostConfirm(ctx, r.ID, verified)
		}
		return ConfirmResult{}, err
	}

	res = ConfirmResult{Reservation: confirmed, Created: true}
	if _, err := c.ledger.Commit(ctx, confirmed.HoldToken()); err != nil {
		// A cancellation that won the race has already released the hold.
		if cur, gerr := c.store.Get(ctx, confirmed.ID); gerr == nil && cur.State.Closed() {
			res.Reservation = cur
		} else {
			c.reportInconsistency(ctx, confirmed, err)
			res.NeedsReconciliation = true
		}
	}

	c.log.Info("reservation confirmed",
		"reservation_id", confirmed.ID,
		"payment_reference", confirmed.PaymentReference,
		"total_amount", confirmed.TotalAmount.String(),
	)
	return res, nil
}

// rejectReclaimed closes a paid reservation whose nights went to another
// booking and refunds the payment.
func (c *Coordinator) rejectReclaimed(ctx context.Context, r domain.Reservation, verified domain.VerifiedPayment) (ConfirmResult, error) {
	if _, err := c.expire(ctx, r, "hold_reclaimed"); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			return c.resolveLostConfirm(ctx, r.ID, verified)
		}
		return ConfirmResult{}, err
	}
	c.log.Warn("payment arrived after hold was reclaimed",
		"reservation_id", r.ID,
		"room_id", r.RoomID,
		"payment_reference", verified.PaymentRef,
	)
	c.refund(ctx, r, verified.PaymentRef, verified.Amount)
	return ConfirmResult{}, domain.ErrPaymentNotApplied
}

// ApproveManually confirms a PAYMENT_PENDING reservation on an operator's word.
// Only gateways that implement ManualApprover accept it.
func (c *Coordinator) ApproveManually(ctx context.Context, p domain.Principal, id string) (ConfirmResult, error) {
	if !p.IsAdmin() {
		return ConfirmResult{}, domain.ErrForbidden
	}
	approver, ok := c.gateway.(ManualApprover)
	if !ok {
		return ConfirmResult{}, domain.ErrManualApprovalUnsupported
	}

	r, err := c.store.Get(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if r.State == domain.StateConfirmed {
		return ConfirmResult{Reservation: r}, nil
	}
	if r.State != domain.StatePaymentPending || r.PaymentOrderRef == "" {
		return ConfirmResult{}, domain.ErrInvalidState
	}

	cb, err := approver.Approve(ctx, domain.OrderRef(r.PaymentOrderRef), r.TotalAmount, r.Currency, p.ID)
	if err != nil {
		return ConfirmResult{}, err
	}
	return c.ConfirmPayment(ctx, id, cb)
}

func (c *Coordinator) verify(ctx context.Context, r domain.Reservation, cb domain.PaymentCallback) (domain.VerifiedPayment, error) {
	vctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	defer cancel()

	verified, err := c.gateway.VerifyCallback(vctx, cb, domain.PaymentExpectation{
		OrderRef: domain.OrderRef(r.PaymentOrderRef),
		Amount:   r.TotalAmount,
		Currency: r.Currency,
	})
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	switch verified.Status {
	case domain.PaymentStatusSucceeded:
	case domain.PaymentStatusPending:
		return verified, fmt.Errorf("%w: payment authorized but not captured", domain.ErrPaymentPending)
	default:
		return verified, domain.ErrPaymentDeclined
	}
	if verified.PaymentRef == "" {
		return verified, fmt.Errorf("%w: missing payment reference", domain.ErrInvalidSignature)
	}
	return verified, nil
}

// isPaymentFailure reports a verified callback for a payment that did not go
// through. A bad signature is not one: it says nothing about the payment.
func isPaymentFailure(err error) bool {
	return errors.Is(err, domain.ErrAmountMismatch) ||
		errors.Is(err, domain.ErrPaymentDeclined)
}

// failPayment records a failed attempt and returns the reservation to HELD while
// the hold lasts, or closes it as EXPIRED.
func (c *Coordinator) failPayment(ctx context.Context, r domain.Reservation, reason string) (domain.Reservation, error) {
	failed, err := c.transition(ctx, r.ID, domain.StatePaymentPending, domain.StatePaymentFailed, func(x *domain.Reservation) {
		x.StateReason = reason
	}, domain.EventPaymentFailed)
	if err != nil {
		return domain.Reservation{}, err
	}

	if !failed.HoldExpired(c.clock.Now()) {
		return c.store.CompareAndSwapState(ctx, failed.ID, domain.StatePaymentFailed, domain.StateHeld, nil)
	}
	return c.expire(ctx, failed, "hold_expired")
}

// resolveLostConfirm re-reads after a lost CONFIRMED transition: a concurrent
// replay of the same payment is success, a closed reservation gets a refund.
func (c *Coordinator) resolveLostConfirm(ctx context.Context, id string, verified domain.VerifiedPayment) (ConfirmResult, error) {
	r, err := c.store.Get(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch {
	case r.State == domain.StateConfirmed && r.PaymentReference == verified.PaymentRef:
		return ConfirmResult{Reservation: r}, nil
	case r.State == domain.StateConfirmed || r.State.Closed():
		c.refund(ctx, r, verified.PaymentRef, verified.Amount)
		return ConfirmResult{}, domain.ErrPaymentNotApplied
	}
	return ConfirmResult{}, domain.ErrStaleState
}

// refundUnapplied handles a payment for a reservation that can no longer take
// it. The booking is never resurrected; a verified payment is refunded.
func (c *Coordinator) refundUnapplied(ctx context.Context, r domain.Reservation, cb domain.PaymentCallback) error {
	if r.PaymentOrderRef == "" || string(cb.OrderRef) != r.PaymentOrderRef {
		return fmt.Errorf("%w: callback order does not belong to reservation", domain.ErrValidation)
	}
	verified, err := c.verify(ctx, r, cb)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrPaymentPending) {
			return domain.ErrInvalidState
		}
		return err
	}
	c.log.Warn("payment arrived for closed reservation",
		"reservation_id", r.ID,
		"state", r.State,
		"payment_reference", verified.PaymentRef,
	)
	c.refund(ctx, r, verified.PaymentRef, verified.Amount)
	return domain.ErrPaymentNotApplied
}

func (c *Coordinator) refund(ctx context.Context, r domain.Reservation, paymentRef string, amount domain.Money) domain.RefundStatus {
	rctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	defer cancel()

	refundRef, err := c.gateway.Refund(rctx, paymentRef, amount)
	if err != nil {
		c.log.Error("refund payment",
			"reservation_id", r.ID,
			"payment_reference", paymentRef,
			"amount", amount.String(),
			"err", err,
		)
		c.enqueue(ctx, domain.ReconciliationTask{
			Kind:             domain.TaskRefund,
			ReservationID:    r.ID,
			PaymentReference: paymentRef,
			Amount:           amount,
			LastError:        err.Error(),
		})
		return domain.RefundFailed
	}
	c.log.Info("refund requested", "reservation_id", r.ID, "payment_reference", paymentRef, "refund_ref", refundRef)
	c.publish(ctx, domain.EventRefundRequested, r)
	return domain.RefundRequested
}

func (c *Coordinator) reportInconsistency(ctx context.Context, r domain.Reservation, cause error) {
	err := fmt.Errorf("%w: %v", domain.ErrFatalInconsistency, cause)
	c.log.Error("reservation confirmed without ledger commit",
		"reservation_id", r.ID,
		"hold_id", r.HoldID,
		"room_id", r.RoomID,
		"range", r.Range.String(),
		"payment_reference", r.PaymentReference,
		"err", err,
	)
	c.enqueue(ctx, domain.ReconciliationTask{
		Kind:             domain.TaskLedgerCommit,
		ReservationID:    r.ID,
		HoldID:           r.HoldID,
		PaymentReference: r.PaymentReference,
		Amount:           r.TotalAmount,
		LastError:        err.Error(),
	})
}
