package app

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
	"github.com/xenking/fulfillment/internal/kafka"
	"github.com/xenking/fulfillment/internal/redisx"
)

// RunEventLogger wires and runs the event logger binary: a consumer that
// tails the fulfillment topic and logs every status change. It doubles as a
// reference consumer, showing the dedup handshake downstream services follow.
func RunEventLogger(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing event logger",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group", cfg.Kafka.Group),
	)

	var dedup kafka.Deduper
	if cfg.RedisAddr != "" {
		client, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = client.Close() }()
		dedup = redisx.NewDeduper(client, cfg.Kafka.Group)
	}

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, cfg.Kafka.Topic, dedup, lg.Named("consumer"))
	return consumer.Run(ctx, func(ctx context.Context, msg kafka.Message) error {
		var payload fulfillment.StatusChangedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return errors.Wrap(err, "decode payload")
		}
		lg.Info("status changed",
			zap.String("event_type", msg.EventType),
			zap.String("aggregate_type", msg.AggregateType),
			zap.String("aggregate_id", msg.AggregateID),
			zap.String("from", payload.From),
			zap.String("to", payload.To),
			zap.String("reason", payload.Reason),
		)
		return nil
	})
}
