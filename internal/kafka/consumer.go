package kafka

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one delivered event. Returning nil commits the offset;
// an error leaves the message uncommitted for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Message is a decoded event as seen by a consumer.
type Message struct {
	AggregateID    string
	AggregateType  string
	EventType      string
	IdempotencyKey string
	Payload        []byte
}

// Deduper is the consumer-side half of the at-least-once contract: FirstSeen
// reports whether an idempotency key has been processed before. Implemented
// by redisx.Deduper; a nil Deduper disables deduplication.
type Deduper interface {
	FirstSeen(ctx context.Context, idempotencyKey string) (bool, error)
}

// Consumer reads fulfillment events from one topic within a consumer group.
// Offsets are committed manually after the handler succeeds, so a crash
// mid-handling redelivers the message and the deduper absorbs the repeat.
type Consumer struct {
	r     *kafka.Reader
	dedup Deduper
	lg    *zap.Logger
}

// NewConsumer creates a consumer for the given brokers, group, and topic.
// dedup may be nil.
func NewConsumer(brokers []string, group, topic string, dedup Deduper, lg *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		dedup: dedup,
		lg:    lg,
	}
}

// Run fetches messages until ctx is cancelled, invoking h for each first
// delivery. Duplicate deliveries (same idempotency key) are committed without
// reaching h.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	defer func() { _ = c.r.Close() }()

	for {
		raw, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		msg := decodeMessage(raw)
		if c.dedup != nil && msg.IdempotencyKey != "" {
			first, err := c.dedup.FirstSeen(ctx, msg.IdempotencyKey)
			if err != nil {
				// Without a dedup verdict the message is neither handled nor
				// committed; it comes back on the next fetch.
				c.lg.Error("dedup check", zap.Error(err))
				continue
			}
			if !first {
				c.lg.Debug("duplicate delivery skipped",
					zap.String("idempotency_key", msg.IdempotencyKey))
				if err := c.r.CommitMessages(ctx, raw); err != nil {
					return errors.Wrap(err, "commit duplicate")
				}
				continue
			}
		}

		if err := h(ctx, msg); err != nil {
			c.lg.Error("handle event",
				zap.String("event_type", msg.EventType),
				zap.String("aggregate_id", msg.AggregateID),
				zap.Error(err),
			)
			continue
		}
		if err := c.r.CommitMessages(ctx, raw); err != nil {
			return errors.Wrap(err, "commit offset")
		}
	}
}

func decodeMessage(raw kafka.Message) Message {
	msg := Message{
		AggregateID: string(raw.Key),
		Payload:     raw.Value,
	}
	for _, h := range raw.Headers {
		switch h.Key {
		case HeaderIdempotencyKey:
			msg.IdempotencyKey = string(h.Value)
		case HeaderEventType:
			msg.EventType = string(h.Value)
		case HeaderAggregateType:
			msg.AggregateType = string(h.Value)
		}
	}
	return msg
}
