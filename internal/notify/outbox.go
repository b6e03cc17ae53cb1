// Package notify delivers reservation lifecycle events. Events are written to
// an outbox table and relayed to Kafka, or logged when no broker is configured.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stayease/reservations/internal/domain"
)

const traceparentHeader = "traceparent"

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInProgress OutboxStatus = "in_progress"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEvent is a lifecycle event waiting to be relayed.
type OutboxEvent struct {
	ID          int64
	EventID     string
	AggregateID string
	Type        string
	Payload     []byte
	Traceparent string
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

type OutboxWriter interface {
	Insert(ctx context.Context, evt OutboxEvent) error
}

// OutboxPublisher stores events for the relay. The caller's trace context is
// captured so consumers can join the trace.
type OutboxPublisher struct {
	store OutboxWriter
}

func NewOutboxPublisher(store OutboxWriter) *OutboxPublisher {
	return &OutboxPublisher{store: store}
}

func (p *OutboxPublisher) Publish(ctx context.Context, evt domain.LifecycleEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return p.store.Insert(ctx, OutboxEvent{
		EventID:     evt.ID,
		AggregateID: evt.ReservationID,
		Type:        string(evt.Type),
		Payload:     payload,
		Traceparent: carrier.Get(traceparentHeader),
		Status:      OutboxPending,
		CreatedAt:   evt.OccurredAt,
	})
}
