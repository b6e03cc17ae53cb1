package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
)

const (
	defaultHoldTTL        = 15 * time.Minute
	defaultGatewayTimeout = 10 * time.Second
	defaultSweepBatch     = 100
	tracerName            = "github.com/stayease/reservations/internal/app"
)

// Dependencies are the collaborators the coordinator drives.
type Dependencies struct {
	Store     ReservationStore
	Ledger    InventoryLedger
	Gateway   PaymentGateway
	Rates     RateProvider
	Publisher Publisher
	Queue     ReconciliationQueue
	// Tx is optional. Without it events are published after the state change.
	Tx Transactor
}

// Coordinator drives reservations through hold, payment and confirmation. It is
// the only writer of reservation state.
type Coordinator struct {
	store     ReservationStore
	ledger    InventoryLedger
	gateway   PaymentGateway
	rates     RateProvider
	publisher Publisher
	queue     ReconciliationQueue
	tx        Transactor
	clock     clock.Clock
	log       *slog.Logger
	tracer    trace.Tracer

	holdTTL        time.Duration
	gatewayTimeout time.Duration
	paymentGrace   time.Duration
	sweepBatch     int
}

func NewCoordinator(deps Dependencies, clk clock.Clock, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:          deps.Store,
		ledger:         deps.Ledger,
		gateway:        deps.Gateway,
		rates:          deps.Rates,
		publisher:      deps.Publisher,
		queue:          deps.Queue,
		tx:             deps.Tx,
		clock:          clk,
		log:            slog.Default(),
		tracer:         otel.Tracer(tracerName),
		holdTTL:        defaultHoldTTL,
		gatewayTimeout: defaultGatewayTimeout,
		sweepBatch:     defaultSweepBatch,
	}
	if c.publisher == nil {
		c.publisher = noopPublisher{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CoordinatorOption func(*Coordinator)

// WithHoldTTL overrides how long an unpaid hold keeps its room nights.
func WithHoldTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.holdTTL = d
		}
	}
}

// WithGatewayTimeout bounds every call to the payment gateway.
func WithGatewayTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.gatewayTimeout = d
		}
	}
}

// WithPaymentGrace delays sweeping PAYMENT_PENDING reservations past their hold expiry.
func WithPaymentGrace(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.paymentGrace = d
		}
	}
}

func WithSweepBatch(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.sweepBatch = n
		}
	}
}

func WithLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

type RequestBookingInput struct {
	Principal       domain.Principal
	RoomID          string
	Range           domain.DateRange
	Guest           domain.GuestContact
	GuestCount      int
	SpecialRequests string
}

func (in RequestBookingInput) validate() error {
	if in.Principal.ID == "" {
		return domain.ErrUnauthenticated
	}
	if in.RoomID == "" {
		return fmt.Errorf("%w: room_id is required", domain.ErrValidation)
	}
	if err := in.Range.Validate(); err != nil {
		return err
	}
	if in.GuestCount <= 0 {
		return fmt.Errorf("%w: guest_count must be positive", domain.ErrValidation)
	}
	return nil
}

// RequestBooking prices the stay, records it as REQUESTED and claims the room
// nights. The reservation is HELD only once the ledger hold exists.
func (c *Coordinator) RequestBooking(ctx context.Context, in RequestBookingInput) (res domain.Reservation, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.RequestBooking",
		trace.WithAttributes(attribute.String("room.id", in.RoomID)))
	defer func() { endSpan(span, err) }()

	if err := in.validate(); err != nil {
		return domain.Reservation{}, err
	}

	rate, err := c.rates.NightlyRate(ctx, in.RoomID)
	if err != nil {
		return domain.Reservation{}, err
	}

	now := c.clock.Now()
	r := domain.Reservation{
		ID:              newID(),
		RoomID:          in.RoomID,
		HotelID:         rate.HotelID,
		GuestID:         in.Principal.ID,
		Guest:           in.Guest,
		Range:           in.Range,
		GuestCount:      in.GuestCount,
		SpecialRequests: in.SpecialRequests,
		TotalAmount:     rate.Nightly.Times(in.Range.Nights()),
		Currency:        rate.Currency,
		State:           domain.StateRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	id, err := c.store.Create(ctx, r)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.ID = id
	span.SetAttributes(attribute.String("reservation.id", id))

	token, err := c.ledger.TryAcquireHold(ctx, r.RoomID, r.Range, r.ID, c.holdTTL)
	if err != nil {
		reason := "hold_failed"
		if errors.Is(err, domain.ErrRoomUnavailable) {
			reason = "room_unavailable"
		}
		if _, casErr := c.store.CompareAndSwapState(ctx, r.ID, domain.StateRequested, domain.StateExpired, func(x *domain.Reservation) {
			x.StateReason = reason
		}); casErr != nil {
			c.log.Warn("close unheld reservation", "reservation_id", r.ID, "err", casErr)
		}
		return domain.Reservation{}, err
	}

	held, err := c.transition(ctx, r.ID, domain.StateRequested, domain.StateHeld, func(x *domain.Reservation) {
		exp := token.ExpiresAt
		x.HoldID = token.ID
		x.HoldExpiresAt = &exp
	}, domain.EventHeld)
	if err != nil {
		if relErr := c.ledger.Release(ctx, token); relErr != nil {
			c.log.Error("release hold after failed transition", "reservation_id", r.ID, "hold_id", token.ID, "err", relErr)
		}
		return domain.Reservation{}, err
	}

	c.log.Info("reservation held",
		"reservation_id", held.ID,
		"room_id", held.RoomID,
		"range", held.Range.String(),
		"total_amount", held.TotalAmount.String(),
	)
	return held, nil
}

// GetReservation returns a reservation visible to p.
func (c *Coordinator) GetReservation(ctx context.Context, p domain.Principal, id string) (domain.Reservation, error) {
	return c.authorized(ctx, p, id)
}

// ListMyReservations returns every reservation owned by p.
func (c *Coordinator) ListMyReservations(ctx context.Context, p domain.Principal) ([]domain.Reservation, error) {
	if p.ID == "" {
		return nil, domain.ErrUnauthenticated
	}
	return c.store.ListByGuest(ctx, p.ID)
}

// ListRoomReservations is the admin view of a room's bookings over a range.
func (c *Coordinator) ListRoomReservations(ctx context.Context, p domain.Principal, roomID string, rng domain.DateRange, states []domain.State) ([]domain.Reservation, error) {
	if !p.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		states = domain.BlockingStates
	}
	return c.store.ListByRoomAndRange(ctx, roomID, rng, states)
}

func (c *Coordinator) authorized(ctx context.Context, p domain.Principal, id string) (domain.Reservation, error) {
	if p.ID == "" {
		return domain.Reservation{}, domain.ErrUnauthenticated
	}
	r, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !p.CanAccess(r) {
		return domain.Reservation{}, domain.ErrForbidden
	}
	return r, nil
}

// expire closes r as EXPIRED and gives its nights back to the ledger.
func (c *Coordinator) expire(ctx context.Context, r domain.Reservation, reason string) (domain.Reservation, error) {
	expired, err := c.transition(ctx, r.ID, r.State, domain.StateExpired, func(x *domain.Reservation) {
		x.StateReason = reason
	}, domain.EventExpired)
	if err != nil {
		return domain.Reservation{}, err
	}
	c.releaseHold(ctx, expired)
	return expired, nil
}

func (c *Coordinator) releaseHold(ctx context.Context, r domain.Reservation) {
	if r.HoldID == "" {
		return
	}
	if err := c.ledger.Release(ctx, r.HoldToken()); err != nil {
		c.log.Error("release hold", "reservation_id", r.ID, "hold_id", r.HoldID, "err", err)
		c.enqueue(ctx, domain.ReconciliationTask{
			Kind:          domain.TaskLedgerRelease,
			ReservationID: r.ID,
			HoldID:        r.HoldID,
			LastError:     err.Error(),
		})
	}
}

func (c *Coordinator) enqueue(ctx context.Context, task domain.ReconciliationTask) {
	if c.queue == nil {
		c.log.Error("reconciliation queue not configured", "kind", task.Kind, "reservation_id", task.ReservationID)
		return
	}
	task.ID = newID()
	task.Status = domain.TaskOpen
	task.CreatedAt = c.clock.Now()
	if err := c.queue.Enqueue(ctx, task); err != nil {
		c.log.Error("enqueue reconciliation task",
			"kind", task.Kind,
			"reservation_id", task.ReservationID,
			"err", err,
		)
	}
}

// transition moves a reservation from one state to the next and publishes typ
// for the result. With a Transactor both land in one transaction and a failed
// publish undoes the transition; an empty typ publishes nothing.
func (c *Coordinator) transition(ctx context.Context, id string, from, to domain.State, mutate func(*domain.Reservation), typ domain.EventType) (domain.Reservation, error) {
	if c.tx == nil {
		r, err := c.store.CompareAndSwapState(ctx, id, from, to, mutate)
		if err != nil {
			return domain.Reservation{}, err
		}
		if typ != "" {
			c.publish(ctx, typ, r)
		}
		return r, nil
	}

	var out domain.Reservation
	err := c.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := c.store.CompareAndSwapState(ctx, id, from, to, mutate)
		if err != nil {
			return err
		}
		if typ != "" {
			if err := c.publisher.Publish(ctx, c.event(typ, r)); err != nil {
				return fmt.Errorf("publish %s: %w", typ, err)
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, typ domain.EventType, r domain.Reservation) {
	if err := c.publisher.Publish(ctx, c.event(typ, r)); err != nil {
		c.log.Warn("publish lifecycle event", "type", typ, "reservation_id", r.ID, "err", err)
	}
}

func (c *Coordinator) event(typ domain.EventType, r domain.Reservation) domain.LifecycleEvent {
	return domain.LifecycleEvent{
		ID:            newID(),
		Type:          typ,
		ReservationID: r.ID,
		RoomID:        r.RoomID,
		State:         r.State,
		Amount:        r.TotalAmount,
		Currency:      r.Currency,
		OccurredAt:    c.clock.Now(),
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.LifecycleEvent) error { return nil }

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
