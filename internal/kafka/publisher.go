// Package kafka adapts the outbox relay to a Kafka event bus.
package kafka

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/fulfillment/internal/domain/outbox"
)

// Header names carried on every published message.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderEventType      = "event-type"
	HeaderAggregateType  = "aggregate-type"
)

var _ outbox.Publisher = (*Publisher)(nil)

// Publisher writes outbox events to one Kafka topic. Writes are synchronous:
// the relay must know whether the broker accepted the message before it can
// retire the row. Messages are keyed by aggregate id so all events of one
// line item (or order) land on the same partition, preserving their order.
type Publisher struct {
	w *kafka.Writer
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish delivers one event. The relay bounds ctx with its publish timeout;
// a timeout or broker error is returned as-is for the relay to retry.
func (p *Publisher) Publish(ctx context.Context, ev outbox.Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: HeaderIdempotencyKey, Value: []byte(ev.IdempotencyKey)},
			{Key: HeaderEventType, Value: []byte(ev.EventType)},
			{Key: HeaderAggregateType, Value: []byte(ev.AggregateType)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
