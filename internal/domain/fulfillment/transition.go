package fulfillment

import "time"

// TransitionRecord is one row of the append-only audit trail. Exactly one of
// OrderID and LineItemID is set. FromStatus is empty only for an aggregate's
// first record. Records are never updated or deleted; ordering a line item's
// records by CreatedAt yields a walk where each record's ToStatus equals the
// next record's FromStatus.
type TransitionRecord struct {
	ID         string
	OrderID    string
	LineItemID string
	FromStatus string
	ToStatus   string
	Reason     string
	ActorID    string // empty means system-initiated
	Metadata   map[string]any
	CreatedAt  time.Time
}
