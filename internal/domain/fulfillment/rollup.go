package fulfillment

// RollUp derives the order-level status from the statuses of all line items.
//
// Policy, checked in order:
//   - COMPLETED when every item reached its type's terminal success status
//     (delivered / downloaded / completed);
//   - CANCELLED when every item is cancelled;
//   - REFUNDED when every item is refunded, PARTIALLY_REFUNDED when some are;
//   - PROCESSING when at least one item has left pending;
//   - PENDING otherwise.
//
// An order with zero line items never exists (checkout creates at least one),
// but RollUp maps that case to PENDING rather than panicking.
func RollUp(items []LineItem) OrderStatus {
	if len(items) == 0 {
		return OrderPending
	}

	allCompleted := true
	allCancelled := true
	allRefunded := true
	anyRefunded := false
	anyLeftPending := false

	for _, it := range items {
		if it.Status != TerminalSuccess(it.Type) {
			allCompleted = false
		}
		if it.Status != StatusCancelled {
			allCancelled = false
		}
		if it.Status == StatusRefunded {
			anyRefunded = true
		} else {
			allRefunded = false
		}
		if it.Status != StatusPending {
			anyLeftPending = true
		}
	}

	switch {
	case allCompleted:
		return OrderCompleted
	case allCancelled:
		return OrderCancelled
	case allRefunded:
		return OrderRefunded
	case anyRefunded:
		return OrderPartiallyRefunded
	case anyLeftPending:
		return OrderProcessing
	}
	return OrderPending
}
