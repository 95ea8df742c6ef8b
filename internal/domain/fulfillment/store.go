package fulfillment

import (
	"context"
	"time"

	"github.com/xenking/fulfillment/internal/domain/outbox"
)

// Tx is the write surface available inside one store transaction. Every
// mutation of a transition attempt goes through one Tx; the postgres
// implementation backs it with a single pgx transaction, so either all
// writes commit or none do.
type Tx interface {
	// GetLineItemForUpdate loads the line item under a row lock. Concurrent
	// transition attempts on the same item serialize here, and the returned
	// status is the post-lock truth (a pre-lock read may be stale).
	GetLineItemForUpdate(ctx context.Context, id string) (*LineItem, error)
	// GetOrderForUpdate locks the order row so concurrent roll-up writes from
	// sibling items serialize. Items are always locked before their order.
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	ListLineItems(ctx context.Context, orderID string) ([]LineItem, error)

	UpdateLineItemStatus(ctx context.Context, id string, status Status, payload Payload, at time.Time) error
	UpdateOrderStatus(ctx context.Context, id string, status OrderStatus, at time.Time) error
	SetOrderPaymentRef(ctx context.Context, id, paymentRef string) error

	InsertOrder(ctx context.Context, o *Order) error
	InsertLineItem(ctx context.Context, item *LineItem) error

	// AppendTransition writes one audit row. Pure append; an error here
	// aborts the whole transaction.
	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	// AppendEvent writes one pending outbox row in the same transaction.
	AppendEvent(ctx context.Context, ev outbox.Event) error

	// CountTransitionsTo returns how many audit rows already carry the given
	// to-status for the line item. Used as the attempt counter in
	// idempotency keys.
	CountTransitionsTo(ctx context.Context, lineItemID string, to Status) (int, error)
	// CountOrderTransitionsTo is the order-level counterpart: the roll-up can
	// revisit a status (e.g. PROCESSING after a refund request reopens a
	// completed order), so order events need the same attempt numbering.
	CountOrderTransitionsTo(ctx context.Context, orderID string, to OrderStatus) (int, error)
}

// Store provides transactional writes and plain reads over the shared
// relational store.
type Store interface {
	// WithinTx runs fn inside one transaction; fn returning an error rolls
	// everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*Order, error)
	GetLineItem(ctx context.Context, id string) (*LineItem, error)
	ListOrderTransitions(ctx context.Context, orderID string) ([]TransitionRecord, error)
	ListLineItemTransitions(ctx context.Context, lineItemID string) ([]TransitionRecord, error)
}
