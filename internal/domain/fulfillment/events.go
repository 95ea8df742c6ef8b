package fulfillment

import (
	"fmt"
	"time"
)

// Event type published for order-level roll-up changes.
const OrderStatusChangedEvent = "order.status_changed"

// StatusChangedEventType returns the per-type event name, e.g.
// "physical.status_changed".
func StatusChangedEventType(t ItemType) string {
	return fmt.Sprintf("%s.status_changed", t)
}

// StatusChangedPayload is the outbox payload for a line-item status change.
// It carries the before/after statuses and the fulfillment snapshot at the
// time of the transition, so consumers need no follow-up read.
type StatusChangedPayload struct {
	OrderID     string    `json:"order_id"`
	LineItemID  string    `json:"line_item_id,omitempty"`
	MerchantID  string    `json:"merchant_id,omitempty"`
	ItemType    ItemType  `json:"item_type,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	Fulfillment *Payload  `json:"fulfillment,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
