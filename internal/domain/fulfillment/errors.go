package fulfillment

import "fmt"

// Sentinel errors for lookups.
var (
	ErrOrderNotFound    = fmt.Errorf("order not found")
	ErrLineItemNotFound = fmt.Errorf("line item not found")
)

// ErrDuplicateOrderNumber is returned by Tx.InsertOrder when another order
// already holds the order number. CreateOrder uses it to detect the loser of
// two concurrent creates and fall back to the idempotent read.
var ErrDuplicateOrderNumber = fmt.Errorf("order number already exists")

// InvalidTransitionError indicates the requested target status is not
// reachable from the item's current status for its type. The request had no
// side effects.
type InvalidTransitionError struct {
	Type ItemType
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Type, e.From, e.To)
}

// UnknownStatusError indicates the caller supplied a status that is not a
// node in the item type's graph at all.
type UnknownStatusError struct {
	Type   ItemType
	Status Status
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown status %q for %s items", e.Status, e.Type)
}

// RefundWindowError indicates a refund request arrived outside the
// configured refund window.
type RefundWindowError struct {
	ItemID string
}

func (e *RefundWindowError) Error() string {
	return fmt.Sprintf("refund window elapsed for line item %s", e.ItemID)
}
