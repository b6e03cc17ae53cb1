package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stayease/reservations/internal/clock"
	"github.com/stayease/reservations/internal/domain"
	"github.com/stayease/reservations/internal/payment"
	"github.com/stayease/reservations/internal/storage/memory"
)

var (
	bookingStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	guest        = domain.Principal{ID: "guest-1", Role: domain.RoleGuest}
	otherGuest   = domain.Principal{ID: "guest-2", Role: domain.RoleGuest}
)

type countingLedger struct {
	InventoryLedger

	mu        sync.Mutex
	commits   int
	commitErr error
}

func (l *countingLedger) Commit(ctx context.Context, token domain.HoldToken) (domain.ConfirmedBlock, error) {
	l.mu.Lock()
	injected := l.commitErr
	l.mu.Unlock()
	if injected != nil {
		return domain.ConfirmedBlock{}, injected
	}
	block, err := l.InventoryLedger.Commit(ctx, token)
	if err == nil {
		l.mu.Lock()
		l.commits++
		l.mu.Unlock()
	}
	return block, err
}

func (l *countingLedger) failCommits(err error) {
	l.mu.Lock()
	l.commitErr = err
	l.mu.Unlock()
}

func (l *countingLedger) commitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.LifecycleEvent) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(typ domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	c      *Coordinator
	clk    *clock.Manual
	store  *memory.ReservationStore
	ledger *countingLedger
	gw     *payment.Mock
	rates  *memory.RateBook
	queue  *memory.ReconciliationQueue
	events *recordingPublisher
}

func newHarness(t *testing.T, opts ...CoordinatorOption) *harness {
	t.Helper()
	clk := clock.NewManual(bookingStart)
	store := memory.NewReservationStore(clk)
	h := &harness{
		clk:    clk,
		store:  store,
		ledger: &countingLedger{InventoryLedger: memory.NewLedger(clk, memory.WithReservations(store))},
		gw:     payment.NewMock(),
		rates: memory.NewRateBook(
			domain.RoomRate{RoomID: "R101", HotelID: "H1", Nightly: 200000, Currency: "INR"},
			domain.RoomRate{RoomID: "R102", HotelID: "H1", Nightly: 150000, Currency: "INR"},
		),
		queue:  memory.NewReconciliationQueue(),
		events: &recordingPublisher{},
	}
	h.c = h.build(h.gw, opts...)
	return h
}

func (h *harness) build(gw PaymentGateway, opts ...CoordinatorOption) *Coordinator {
	return NewCoordinator(Dependencies{
		Store:     h.store,
		Ledger:    h.ledger,
		Gateway:   gw,
		Rates:     NewRateService(h.rates, h.clk, "INR"),
		Publisher: h.events,
		Queue:     h.queue,
	}, h.clk, opts...)
}

func (h *harness) book(t *testing.T, p domain.Principal, room, in, out string) (domain.Reservation, error) {
	t.Helper()
	return h.c.RequestBooking(context.Background(), RequestBookingInput{
		Principal:  p,
		RoomID:     room,
		Range:      domain.MustDateRange(in, out),
		Guest:      domain.GuestContact{Name: "Asha", Email: "asha@example.com"},
		GuestCount: 2,
	})
}

func (h *harness) mustBook(t *testing.T, p domain.Principal, room, in, out string) domain.Reservation {
	t.Helper()
	r, err := h.book(t, p, room, in, out)
	require.NoError(t, err)
	return r
}

func (h *harness) intent(t *testing.T, r domain.Reservation) domain.PaymentIntent {
	t.Helper()
	res, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
	require.NoError(t, err)
	return res.Intent
}

func (h *harness) callback(intent domain.PaymentIntent, amount domain.Money, status string) domain.RawCallback {
	return h.gw.Callback(intent.OrderRef, "pay_"+intent.ReservationID, amount, "INR", status)
}

func (h *harness) state(t *testing.T, id string) domain.Reservation {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCoordinator_BookingScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
	assert.Equal(t, domain.StateHeld, r.State)
	assert.Equal(t, domain.Money(400000), r.TotalAmount)
	assert.Equal(t, "H1", r.HotelID)
	require.NotNil(t, r.HoldExpiresAt)
	assert.Equal(t, bookingStart.Add(defaultHoldTTL), *r.HoldExpiresAt)

	_, err := h.book(t, otherGuest, "R101", "2024-06-02", "2024-06-04")
	require.ErrorIs(t, err, domain.ErrRoomUnavailable)

	intent := h.intent(t, r)
	assert.Equal(t, domain.Money(400000), intent.Amount)

	res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.NeedsReconciliation)
	assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
	assert.Equal(t, "pay_"+r.ID, res.Reservation.PaymentReference)
	assert.Nil(t, res.Reservation.HoldExpiresAt)

	back, err := h.book(t, otherGuest, "R101", "2024-06-03", "2024-06-05")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHeld, back.State)

	assert.Equal(t, 1, h.events.count(domain.EventConfirmed))
	assert.Equal(t, 2, h.events.count(domain.EventHeld))
}

func TestCoordinator_RejectedBookingIsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

	_, err := h.book(t, otherGuest, "R101", "2024-06-02", "2024-06-04")
	require.ErrorIs(t, err, domain.ErrRoomUnavailable)

	mine, err := h.c.ListMyReservations(context.Background(), otherGuest)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.StateExpired, mine[0].State)
	assert.Equal(t, "room_unavailable", mine[0].StateReason)
}

func TestCoordinator_RequestBooking_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.book(t, guest, "R999", "2024-06-01", "2024-06-03")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = h.c.RequestBooking(context.Background(), RequestBookingInput{
		Principal:  guest,
		RoomID:     "R101",
		Range:      domain.DateRange{CheckIn: bookingStart, CheckOut: bookingStart},
		GuestCount: 1,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.book(t, domain.Principal{}, "R101", "2024-06-01", "2024-06-03")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestCoordinator_NoDoubleBooking(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	const callers = 20
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		held        int
		unavailable int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := domain.Principal{ID: "guest-" + string(rune('a'+i)), Role: domain.RoleGuest}
			in, out := "2024-06-01", "2024-06-03"
			if i%2 == 1 {
				in, out = "2024-06-02", "2024-06-04"
			}
			_, err := h.book(t, p, "R101", in, out)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				held++
			case errors.Is(err, domain.ErrRoomUnavailable):
				unavailable++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, held)
	assert.Equal(t, callers-1, unavailable)
}

func TestCoordinator_ConfirmIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
	intent := h.intent(t, r)
	raw := h.callback(intent, 400000, "succeeded")

	first, err := h.c.HandleCallback(ctx, raw)
	require.NoError(t, err)
	second, err := h.c.HandleCallback(ctx, raw)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Reservation.ID, second.Reservation.ID)
	assert.Equal(t, first.Reservation.Version, second.Reservation.Version)
	assert.Equal(t, 1, h.ledger.commitCount())
	assert.Equal(t, 1, h.events.count(domain.EventConfirmed))
}

func TestCoordinator_InitiatePayment(t *testing.T) {
	t.Parallel()

	t.Run("retry returns same intent", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

		first, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.NoError(t, err)
		second, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.NoError(t, err)

		assert.True(t, first.Created)
		assert.False(t, second.Created)
		assert.Equal(t, first.Intent.OrderRef, second.Intent.OrderRef)
		assert.Equal(t, "mock", first.Intent.Gateway)
		assert.Equal(t, 1, h.events.count(domain.EventPaymentPending))
	})

	t.Run("lapsed hold expires", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		h.clk.Advance(defaultHoldTTL)

		_, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.ErrorIs(t, err, domain.ErrHoldExpired)
		assert.Equal(t, domain.StateExpired, h.state(t, r.ID).State)
	})

	t.Run("gateway failure returns to held", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		h.gw.FailNextCreate(errors.New("connection refused"))

		_, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
		assert.Equal(t, domain.StateHeld, h.state(t, r.ID).State)

		_, err = h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.NoError(t, err)
	})

	t.Run("confirmed reservation rejects", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		_, err := h.c.HandleCallback(context.Background(), h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)

		_, err = h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestCoordinator_SweepReleasesInventory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

	res, err := h.c.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	h.clk.Advance(defaultHoldTTL + time.Second)

	res, err = h.c.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	expired := h.state(t, r.ID)
	assert.Equal(t, domain.StateExpired, expired.State)
	assert.Equal(t, "hold_expired", expired.StateReason)
	assert.Equal(t, 1, h.events.count(domain.EventExpired))

	_, err = h.book(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
	require.NoError(t, err)
}

func TestCoordinator_PaymentGraceDefersPendingSweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithPaymentGrace(5*time.Minute))
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
	h.intent(t, r)

	h.clk.Advance(defaultHoldTTL + time.Minute)
	res, err := h.c.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Skipped)

	h.clk.Advance(5 * time.Minute)
	res, err = h.c.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
}

func TestCoordinator_PriceIsLockedAtHold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

	require.NoError(t, h.rates.UpsertRate(context.Background(), domain.RoomRate{RoomID: "R101", HotelID: "H1", Nightly: 300000, Currency: "INR"}))

	intent := h.intent(t, r)
	assert.Equal(t, domain.Money(400000), intent.Amount)

	res, err := h.c.HandleCallback(context.Background(), h.callback(intent, 400000, "succeeded"))
	require.NoError(t, err)
	assert.Equal(t, domain.Money(400000), res.Reservation.TotalAmount)
}

func TestCoordinator_SweepAndConfirmRace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.clk.Advance(defaultHoldTTL + time.Second)

		var (
			wg         sync.WaitGroup
			confirmErr error
			sweep      SweepResult
			sweepErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		}()
		go func() {
			defer wg.Done()
			sweep, sweepErr = h.c.SweepExpiredHolds(ctx)
		}()
		wg.Wait()
		require.NoError(t, sweepErr)

		final := h.state(t, r.ID)
		switch final.State {
		case domain.StateConfirmed:
			require.NoError(t, confirmErr)
			assert.Equal(t, 0, sweep.Expired)
			assert.Empty(t, h.gw.Refunds())
		case domain.StateExpired:
			require.ErrorIs(t, confirmErr, domain.ErrPaymentNotApplied)
			assert.Equal(t, 1, sweep.Expired)
			assert.Len(t, h.gw.Refunds(), 1)
		default:
			t.Fatalf("expected CONFIRMED or EXPIRED, got %s", final.State)
		}
	}
}

func TestCoordinator_VerificationFailure(t *testing.T) {
	t.Parallel()

	t.Run("amount mismatch returns to held", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)

		_, err := h.c.HandleCallback(context.Background(), h.callback(intent, 100, "succeeded"))
		require.ErrorIs(t, err, domain.ErrAmountMismatch)

		got := h.state(t, r.ID)
		assert.Equal(t, domain.StateHeld, got.State)
		assert.Empty(t, got.PaymentReference)
		assert.Equal(t, 1, h.events.count(domain.EventPaymentFailed))
		assert.Equal(t, 0, h.ledger.commitCount())

		// The guest can try again against the same order.
		retry, err := h.c.InitiatePayment(context.Background(), guest, r.ID)
		require.NoError(t, err)
		assert.False(t, retry.Created)
		assert.Equal(t, intent.OrderRef, retry.Intent.OrderRef)
		assert.Equal(t, domain.StatePaymentPending, h.state(t, r.ID).State)
	})

	t.Run("declined after hold lapsed expires", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.clk.Advance(defaultHoldTTL + time.Second)

		_, err := h.c.HandleCallback(context.Background(), h.callback(intent, 400000, "failed"))
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
		assert.Equal(t, domain.StateExpired, h.state(t, r.ID).State)

		_, err = h.book(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
		require.NoError(t, err)
	})

	t.Run("inconclusive verification stays pending", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.gw.FailNextVerify(context.DeadlineExceeded)

		res, err := h.c.HandleCallback(context.Background(), h.callback(intent, 400000, "succeeded"))
		require.ErrorIs(t, err, domain.ErrPaymentPending)
		assert.Equal(t, domain.StatePaymentPending, res.Reservation.State)
		assert.Equal(t, domain.StatePaymentPending, h.state(t, r.ID).State)

		retry, err := h.c.HandleCallback(context.Background(), h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, retry.Reservation.State)
	})
}

func TestCoordinator_CommitFailureIsQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
	intent := h.intent(t, r)
	h.ledger.failCommits(errors.New("ledger unavailable"))

	res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
	require.NoError(t, err)
	assert.True(t, res.NeedsReconciliation)
	assert.Equal(t, domain.StateConfirmed, res.Reservation.State)

	tasks, err := h.c.ListReconciliationTasks(ctx, adminPrincipal)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskLedgerCommit, tasks[0].Kind)
	assert.Equal(t, r.ID, tasks[0].ReservationID)
	assert.Contains(t, tasks[0].LastError, "ledger unavailable")

	_, err = h.c.RetryReconciliation(ctx, adminPrincipal, tasks[0].ID)
	require.NoError(t, err)
	still, err := h.queue.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskOpen, still.Status)
	assert.Equal(t, 1, still.Attempts)

	h.ledger.failCommits(nil)
	resolved, err := h.c.RetryReconciliation(ctx, adminPrincipal, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskResolved, resolved.Status)
	assert.Equal(t, 1, h.ledger.commitCount())

	_, err = h.c.ListReconciliationTasks(ctx, guest)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("confirmed booking is refunded", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		_, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)

		res, err := h.c.CancelReservation(ctx, guest, r.ID, "plans changed")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, res.Reservation.State)
		assert.Equal(t, domain.RefundRequested, res.Refund)
		assert.Equal(t, guest.ID, res.Reservation.CancelledBy)
		assert.Equal(t, "plans changed", res.Reservation.StateReason)
		assert.Equal(t, []payment.MockRefund{{RefundRef: "refund_mock_1", PaymentRef: "pay_" + r.ID, Amount: 400000}}, h.gw.Refunds())

		again, err := h.c.CancelReservation(ctx, guest, r.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.RefundNotRequired, again.Refund)
		assert.Len(t, h.gw.Refunds(), 1)

		_, err = h.book(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
		require.NoError(t, err)
	})

	t.Run("failed refund is queued", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		_, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		h.gw.FailNextRefund(errors.New("gateway 503"))

		res, err := h.c.CancelReservation(ctx, adminPrincipal, r.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, res.Reservation.State)
		assert.Equal(t, domain.RefundFailed, res.Refund)

		tasks, err := h.c.ListReconciliationTasks(ctx, adminPrincipal)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, domain.TaskRefund, tasks[0].Kind)

		resolved, err := h.c.RetryReconciliation(ctx, adminPrincipal, tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskResolved, resolved.Status)
		assert.Len(t, h.gw.Refunds(), 1)
	})

	t.Run("late payment after cancel is refunded", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)

		_, err := h.c.CancelReservation(ctx, guest, r.ID, "")
		require.NoError(t, err)

		_, err = h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.ErrorIs(t, err, domain.ErrPaymentNotApplied)
		assert.Equal(t, domain.StateCancelled, h.state(t, r.ID).State)
		assert.Len(t, h.gw.Refunds(), 1)
		assert.Equal(t, 0, h.ledger.commitCount())
	})

	t.Run("other guests cannot cancel", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

		_, err := h.c.CancelReservation(context.Background(), otherGuest, r.ID, "")
		require.ErrorIs(t, err, domain.ErrForbidden)
		assert.Equal(t, domain.StateHeld, h.state(t, r.ID).State)
	})
}

func TestCoordinator_Authorization(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")

	_, err := h.c.GetReservation(ctx, otherGuest, r.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := h.c.GetReservation(ctx, adminPrincipal, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = h.c.GetReservation(ctx, guest, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.c.InitiatePayment(ctx, otherGuest, r.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.c.ListRoomReservations(ctx, guest, "R101", domain.MustDateRange("2024-06-01", "2024-06-30"), nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	listed, err := h.c.ListRoomReservations(ctx, adminPrincipal, "R101", domain.MustDateRange("2024-06-01", "2024-06-30"), nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, r.ID, listed[0].ID)
}

func TestCoordinator_ApproveManually(t *testing.T) {
	t.Parallel()

	t.Run("admin approval confirms", func(t *testing.T) {
		h := newHarness(t)
		h.c = h.build(payment.NewAdminApproval("desk-secret"))
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		h.intent(t, r)

		_, err := h.c.ApproveManually(ctx, guest, r.ID)
		require.ErrorIs(t, err, domain.ErrForbidden)

		res, err := h.c.ApproveManually(ctx, adminPrincipal, r.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
		assert.Equal(t, "manual_"+res.Reservation.PaymentOrderRef, res.Reservation.PaymentReference)

		again, err := h.c.ApproveManually(ctx, adminPrincipal, r.ID)
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, 1, h.ledger.commitCount())
	})

	t.Run("unsupported by mock gateway", func(t *testing.T) {
		h := newHarness(t)
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		h.intent(t, r)

		_, err := h.c.ApproveManually(context.Background(), adminPrincipal, r.ID)
		require.ErrorIs(t, err, domain.ErrManualApprovalUnsupported)
	})
}

func TestCoordinator_LatePaymentAfterHoldLapsed(t *testing.T) {
	t.Parallel()

	t.Run("pending reservation keeps its nights", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.clk.Advance(defaultHoldTTL + time.Second)

		_, err := h.book(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
		require.ErrorIs(t, err, domain.ErrRoomUnavailable)

		res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
		assert.False(t, res.NeedsReconciliation)
		assert.Equal(t, 1, h.ledger.commitCount())
		assert.Empty(t, h.gw.Refunds())
	})

	t.Run("reclaimed nights refund the payment", func(t *testing.T) {
		h := newHarness(t)
		// A ledger that only knows its own holds lets the lapsed nights go.
		h.ledger.InventoryLedger = memory.NewLedger(h.clk)
		h.c = h.build(h.gw)
		ctx := context.Background()

		first := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		firstIntent := h.intent(t, first)
		h.clk.Advance(defaultHoldTTL + time.Second)

		second := h.mustBook(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
		pay, err := h.c.InitiatePayment(ctx, otherGuest, second.ID)
		require.NoError(t, err)
		_, err = h.c.HandleCallback(ctx, h.callback(pay.Intent, 400000, "succeeded"))
		require.NoError(t, err)

		_, err = h.c.HandleCallback(ctx, h.callback(firstIntent, 400000, "succeeded"))
		require.ErrorIs(t, err, domain.ErrPaymentNotApplied)

		late := h.state(t, first.ID)
		assert.Equal(t, domain.StateExpired, late.State)
		assert.Equal(t, "hold_reclaimed", late.StateReason)
		assert.Equal(t, domain.StateConfirmed, h.state(t, second.ID).State)
		assert.Equal(t, []payment.MockRefund{{RefundRef: "refund_mock_1", PaymentRef: "pay_" + first.ID, Amount: 400000}}, h.gw.Refunds())
		assert.Equal(t, 1, h.ledger.commitCount())
	})

	t.Run("grace period extends the ledger hold", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.InventoryLedger = memory.NewLedger(h.clk)
		h.c = h.build(h.gw, WithPaymentGrace(5*time.Minute))
		ctx := context.Background()

		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.clk.Advance(defaultHoldTTL + time.Minute)

		_, err := h.book(t, otherGuest, "R101", "2024-06-02", "2024-06-04")
		require.ErrorIs(t, err, domain.ErrRoomUnavailable)

		res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
		assert.Empty(t, h.gw.Refunds())
	})
}

func TestCoordinator_RetryAfterFailedAttempt(t *testing.T) {
	t.Parallel()

	t.Run("success after decline on the same order confirms", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)

		_, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "failed"))
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
		assert.Equal(t, domain.StateHeld, h.state(t, r.ID).State)

		res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
		assert.Equal(t, "pay_"+r.ID, res.Reservation.PaymentReference)
		assert.Equal(t, 1, h.ledger.commitCount())
		assert.Equal(t, 1, h.events.count(domain.EventPaymentFailed))
		assert.Equal(t, 1, h.events.count(domain.EventConfirmed))
		assert.Empty(t, h.gw.Refunds())
	})

	t.Run("bad signature does not fail the payment", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)
		h.gw.FailNextVerify(fmt.Errorf("%w: hmac mismatch", domain.ErrInvalidSignature))

		_, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "failed"))
		require.ErrorIs(t, err, domain.ErrInvalidSignature)
		assert.Equal(t, domain.StatePaymentPending, h.state(t, r.ID).State)
		assert.Equal(t, 0, h.events.count(domain.EventPaymentFailed))

		res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
	})

	t.Run("authorized payment waits for capture", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)

		_, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "authorized"))
		require.ErrorIs(t, err, domain.ErrPaymentPending)
		assert.Equal(t, domain.StatePaymentPending, h.state(t, r.ID).State)
		assert.Equal(t, 0, h.ledger.commitCount())

		res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		require.NoError(t, err)
		assert.Equal(t, domain.StateConfirmed, res.Reservation.State)
	})
}

func TestCoordinator_ReplayIsVerified(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
	intent := h.intent(t, r)
	confirmed, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
	require.NoError(t, err)

	_, err = h.c.HandleCallback(ctx, h.callback(intent, 100, "succeeded"))
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	h.gw.FailNextVerify(domain.ErrInvalidSignature)
	res, err := h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Empty(t, res.Reservation.ID)

	got := h.state(t, r.ID)
	assert.Equal(t, domain.StateConfirmed, got.State)
	assert.Equal(t, confirmed.Reservation.Version, got.Version)
	assert.Empty(t, h.gw.Refunds())
}

func TestCoordinator_CancelAndConfirmRace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		r := h.mustBook(t, guest, "R101", "2024-06-01", "2024-06-03")
		intent := h.intent(t, r)

		var (
			wg         sync.WaitGroup
			confirmErr error
			cancelErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = h.c.HandleCallback(ctx, h.callback(intent, 400000, "succeeded"))
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.c.CancelReservation(ctx, guest, r.ID, "changed plans")
		}()
		wg.Wait()

		require.NoError(t, cancelErr)
		if confirmErr != nil {
			require.ErrorIs(t, confirmErr, domain.ErrPaymentNotApplied)
		}
		assert.Equal(t, domain.StateCancelled, h.state(t, r.ID).State)
		assert.Len(t, h.gw.Refunds(), 1)

		tasks, err := h.c.ListReconciliationTasks(ctx, adminPrincipal)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		_, err = h.book(t, otherGuest, "R101", "2024-06-01", "2024-06-03")
		require.NoError(t, err)
	}
}
