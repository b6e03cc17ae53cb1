package notify

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaDispatcher writes outbox events keyed by reservation id, so every
// event of one reservation lands on the same partition in order.
type KafkaDispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewKafkaDispatcher(log *slog.Logger, producer Producer, topic string) *KafkaDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaDispatcher{log: log, producer: producer, topic: topic}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, evt OutboxEvent) error {
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(evt.Type)},
		{Key: "event_id", Value: []byte(evt.EventID)},
	}
	if evt.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: traceparentHeader, Value: []byte(evt.Traceparent)})
	}

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(evt.AggregateID),
		Value:   evt.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "outbox_id", evt.ID, "type", evt.Type, "err", err)
		return err
	}
	d.log.Debug("outbox dispatched", "outbox_id", evt.ID, "type", evt.Type, "reservation_id", evt.AggregateID)
	return nil
}
