package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestDecodeMessage(t *testing.T) {
	raw := kafka.Message{
		Key:   []byte("item-42"),
		Value: []byte(`{"from":"preparing","to":"ready_to_ship"}`),
		Headers: []kafka.Header{
			{Key: HeaderIdempotencyKey, Value: []byte("item-42:ready_to_ship:0")},
			{Key: HeaderEventType, Value: []byte("physical.status_changed")},
			{Key: HeaderAggregateType, Value: []byte("line_item")},
			{Key: "x-unrelated", Value: []byte("ignored")},
		},
	}

	msg := decodeMessage(raw)

	assert.Equal(t, "item-42", msg.AggregateID)
	assert.Equal(t, "line_item", msg.AggregateType)
	assert.Equal(t, "physical.status_changed", msg.EventType)
	assert.Equal(t, "item-42:ready_to_ship:0", msg.IdempotencyKey)
	assert.Equal(t, raw.Value, msg.Payload)
}

func TestDecodeMessage_NoHeaders(t *testing.T) {
	msg := decodeMessage(kafka.Message{Key: []byte("order-7")})

	assert.Equal(t, "order-7", msg.AggregateID)
	assert.Empty(t, msg.EventType)
	assert.Empty(t, msg.IdempotencyKey)
}
