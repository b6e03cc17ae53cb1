package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stayease/reservations/internal/domain"
)

// RateBook keeps nightly room rates.
type RateBook struct {
	mu    sync.RWMutex
	rates map[string]domain.RoomRate
}

func NewRateBook(seed ...domain.RoomRate) *RateBook {
	b := &RateBook{rates: make(map[string]domain.RoomRate, len(seed))}
	for _, r := range seed {
		b.rates[r.RoomID] = r
	}
	return b
}

func (b *RateBook) GetRate(_ context.Context, roomID string) (domain.RoomRate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rates[roomID]
	if !ok {
		return domain.RoomRate{}, domain.ErrRoomNotFound
	}
	return r, nil
}

func (b *RateBook) UpsertRate(_ context.Context, rate domain.RoomRate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rates[rate.RoomID] = rate
	return nil
}

type ReconciliationQueue struct {
	mu    sync.Mutex
	tasks map[string]domain.ReconciliationTask
}

func NewReconciliationQueue() *ReconciliationQueue {
	return &ReconciliationQueue{tasks: make(map[string]domain.ReconciliationTask)}
}

func (q *ReconciliationQueue) Enqueue(_ context.Context, task domain.ReconciliationTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskOpen
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.ID] = task
	return nil
}

func (q *ReconciliationQueue) ListOpen(_ context.Context) ([]domain.ReconciliationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.ReconciliationTask, 0)
	for _, t := range q.tasks {
		if t.Status == domain.TaskOpen {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *ReconciliationQueue) Get(_ context.Context, id string) (domain.ReconciliationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.ReconciliationTask{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (q *ReconciliationQueue) MarkAttempt(_ context.Context, id string, lastErr string, resolved bool, at time.Time) (domain.ReconciliationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.ReconciliationTask{}, domain.ErrTaskNotFound
	}
	t.Attempts++
	t.LastError = lastErr
	if resolved {
		t.Status = domain.TaskResolved
		t.ResolvedAt = &at
	}
	q.tasks[id] = t
	return t, nil
}
