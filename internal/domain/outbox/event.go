// Package outbox implements the transactional outbox: durable event rows
// written in the same transaction as the state change they describe, later
// claimed and published by a pool of relay workers. Delivery is at-least-once;
// consumers deduplicate on the idempotency key.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Status is the relay-side lifecycle of an event row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed" // dead-letter, exhausted retries
)

// Aggregate types carried on events.
const (
	AggregateLineItem = "line_item"
	AggregateOrder    = "order"
)

// Event is one outbox row. Rows are inserted as pending inside the producing
// transaction and only ever move pending -> processing -> processed/failed
// (failed rows below the retry limit bounce back to pending).
type Event struct {
	ID             string
	AggregateID    string
	AggregateType  string
	EventType      string
	Payload        json.RawMessage
	Status         Status
	RetryCount     int
	LastError      string
	IdempotencyKey string
	NextAttemptAt  time.Time
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// IdempotencyKey derives the deduplication token for one logical status
// change. The attempt counter distinguishes re-entries into the same status
// (e.g. refund_requested after a rejected refund), so re-publishing the same
// row always carries the same key while a genuinely new transition gets a
// fresh one.
func IdempotencyKey(aggregateID, target string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", aggregateID, target, attempt)
}

// NewEvent builds a pending event with a serialized payload.
func NewEvent(aggregateType, aggregateID, eventType string, payload any, idempotencyKey string) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "marshal payload")
	}
	return Event{
		ID:             uuid.NewString(),
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		EventType:      eventType,
		Payload:        body,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
	}, nil
}
