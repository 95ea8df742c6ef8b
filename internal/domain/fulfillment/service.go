// Package fulfillment contains the per-line-item state machine, the
// append-only audit trail, and the order-level status roll-up. All mutations
// run inside one store transaction together with their outbox event, so a
// committed state change always has its audit row and event row on disk.
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/outbox"
)

// Validation errors for order creation.
var (
	ErrNoOwner  = fmt.Errorf("order owner required: user id or guest contact")
	ErrNoItems  = fmt.Errorf("at least one line item required")
	ErrBadInput = fmt.Errorf("invalid line item input")
)

// RefundPolicy decides whether a refund_requested transition is still
// allowed for an item. The transition table encodes the edge
// unconditionally; the window is external policy, not graph structure.
type RefundPolicy interface {
	AllowRefund(item *LineItem, now time.Time) error
}

// WindowRefundPolicy allows refund requests only within Window after the
// item reached its terminal success status. A zero Window means no limit.
type WindowRefundPolicy struct {
	Window time.Duration
}

func (p WindowRefundPolicy) AllowRefund(item *LineItem, now time.Time) error {
	if p.Window <= 0 {
		return nil
	}
	if now.Sub(item.StatusChangedAt) > p.Window {
		return &RefundWindowError{ItemID: item.ID}
	}
	return nil
}

// Service is the single write path for line-item and order state.
type Service struct {
	store  Store
	refund RefundPolicy
	lg     *zap.Logger
	now    func() time.Time
}

// NewService creates the fulfillment service. refund may be nil, in which
// case refund requests are always allowed.
func NewService(store Store, refund RefundPolicy, lg *zap.Logger) *Service {
	return &Service{
		store:  store,
		refund: refund,
		lg:     lg,
		now:    time.Now,
	}
}

// TransitionRequest asks to move one line item to a target status.
type TransitionRequest struct {
	LineItemID string
	Target     Status
	Reason     string
	ActorID    string // empty means system-initiated
	// Payload carries fulfillment details arriving with the transition,
	// e.g. carrier and tracking number at shipped. Non-zero fields are
	// merged into the stored payload.
	Payload  Payload
	Metadata map[string]any
}

// TransitionResult reports the outcome of an accepted (or no-op) attempt.
type TransitionResult struct {
	Item *LineItem
	From Status
	// NoOp is true when the item was already in the target status. No audit
	// row and no event were written; retried requests are tolerated by
	// design rather than rejected.
	NoOp bool

	OrderStatus        OrderStatus
	OrderStatusChanged bool
}

// AttemptTransition validates the requested move against the item type's
// transition table and, when legal, applies it. The status update, audit
// row, outbox event, and order roll-up all commit in one transaction; a
// failure at any point leaves no trace.
func (s *Service) AttemptTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		item, err := tx.GetLineItemForUpdate(ctx, req.LineItemID)
		if err != nil {
			return err
		}
		result, err = s.applyTransition(ctx, tx, item, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !result.NoOp {
		s.lg.Info("line item transitioned",
			zap.String("line_item_id", result.Item.ID),
			zap.String("order_id", result.Item.OrderID),
			zap.String("from", string(result.From)),
			zap.String("to", string(result.Item.Status)),
			zap.String("actor", req.ActorID),
		)
	}
	return result, nil
}

// applyTransition runs inside an open transaction with the item row already
// locked. It is shared by AttemptTransition and ConfirmPayment.
func (s *Service) applyTransition(ctx context.Context, tx Tx, item *LineItem, req TransitionRequest) (*TransitionResult, error) {
	if !KnownStatus(item.Type, req.Target) {
		return nil, &UnknownStatusError{Type: item.Type, Status: req.Target}
	}

	// Duplicate or retried request: succeed without writing anything.
	if item.Status == req.Target {
		return &TransitionResult{Item: item, From: item.Status, NoOp: true}, nil
	}

	if err := ValidateTransition(item.Type, item.Status, req.Target); err != nil {
		return nil, err
	}
	if req.Target == StatusRefundRequested && s.refund != nil {
		if err := s.refund.AllowRefund(item, s.now()); err != nil {
			return nil, err
		}
	}

	from := item.Status
	now := s.now()

	item.Fulfillment.Merge(req.Payload)
	item.Status = req.Target
	item.StatusChangedAt = now
	if err := tx.UpdateLineItemStatus(ctx, item.ID, item.Status, item.Fulfillment, now); err != nil {
		return nil, errors.Wrap(err, "update line item")
	}

	if err := s.recordItemChange(ctx, tx, item, from, req, now); err != nil {
		return nil, err
	}

	orderStatus, changed, err := s.rollUpOrder(ctx, tx, item.OrderID, req.Reason, now)
	if err != nil {
		return nil, err
	}

	return &TransitionResult{
		Item:               item,
		From:               from,
		OrderStatus:        orderStatus,
		OrderStatusChanged: changed,
	}, nil
}

// recordItemChange appends the audit row and the outbox event for one
// accepted line-item transition.
func (s *Service) recordItemChange(ctx context.Context, tx Tx, item *LineItem, from Status, req TransitionRequest, now time.Time) error {
	rec := &TransitionRecord{
		ID:         uuid.NewString(),
		LineItemID: item.ID,
		FromStatus: string(from),
		ToStatus:   string(item.Status),
		Reason:     req.Reason,
		ActorID:    req.ActorID,
		Metadata:   req.Metadata,
		CreatedAt:  now,
	}
	if err := tx.AppendTransition(ctx, rec); err != nil {
		return errors.Wrap(err, "append transition record")
	}

	attempt, err := tx.CountTransitionsTo(ctx, item.ID, item.Status)
	if err != nil {
		return errors.Wrap(err, "count attempts")
	}
	// The row just written is included in the count, so the first entry into
	// a status yields attempt 0 after subtracting it.
	ev, err := outbox.NewEvent(
		outbox.AggregateLineItem,
		item.ID,
		StatusChangedEventType(item.Type),
		StatusChangedPayload{
			OrderID:     item.OrderID,
			LineItemID:  item.ID,
			MerchantID:  item.MerchantID,
			ItemType:    item.Type,
			From:        string(from),
			To:          string(item.Status),
			Reason:      req.Reason,
			ActorID:     req.ActorID,
			Fulfillment: &item.Fulfillment,
			OccurredAt:  now,
		},
		outbox.IdempotencyKey(item.ID, string(item.Status), attempt-1),
	)
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return errors.Wrap(err, "append outbox event")
	}
	return nil
}

// rollUpOrder recomputes the order status from all line items and persists
// it when it changed, together with an order-level audit row and event.
// The order row is locked so sibling-item transactions serialize here.
func (s *Service) rollUpOrder(ctx context.Context, tx Tx, orderID, reason string, now time.Time) (OrderStatus, bool, error) {
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return "", false, err
	}
	items, err := tx.ListLineItems(ctx, orderID)
	if err != nil {
		return "", false, errors.Wrap(err, "list line items")
	}

	next := RollUp(items)
	if next == order.Status {
		return next, false, nil
	}

	if err := tx.UpdateOrderStatus(ctx, orderID, next, now); err != nil {
		return "", false, errors.Wrap(err, "update order status")
	}
	rec := &TransitionRecord{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		FromStatus: string(order.Status),
		ToStatus:   string(next),
		Reason:     reason,
		CreatedAt:  now,
	}
	if err := tx.AppendTransition(ctx, rec); err != nil {
		return "", false, errors.Wrap(err, "append order transition record")
	}
	// The roll-up can re-enter a status it held before (a refund request moves
	// a completed order back to PROCESSING), so the attempt counter keeps the
	// event keys unique the same way it does for line items.
	attempt, err := tx.CountOrderTransitionsTo(ctx, orderID, next)
	if err != nil {
		return "", false, errors.Wrap(err, "count order attempts")
	}
	ev, err := outbox.NewEvent(
		outbox.AggregateOrder,
		orderID,
		OrderStatusChangedEvent,
		StatusChangedPayload{
			OrderID:    orderID,
			From:       string(order.Status),
			To:         string(next),
			Reason:     reason,
			OccurredAt: now,
		},
		outbox.IdempotencyKey(orderID, string(next), attempt-1),
	)
	if err != nil {
		return "", false, err
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return "", false, errors.Wrap(err, "append order outbox event")
	}
	return next, true, nil
}

// ConfirmPayment applies pending -> payment_confirmed to every line item of
// the order, in one transaction. Items already past pending are left alone,
// so a retried payment webhook is harmless. The payment reference is stored
// on the order.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentRef, actorID string) (*Order, error) {
	var order *Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		// Items are locked before the order here, matching the lock order of
		// AttemptTransition (item row, then order row inside the roll-up).
		items, err := tx.ListLineItems(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "list line items")
		}
		for i := range items {
			if items[i].Status != StatusPending {
				continue
			}
			item, err := tx.GetLineItemForUpdate(ctx, items[i].ID)
			if err != nil {
				return err
			}
			// The unlocked list read may be stale; applyTransition re-checks
			// against the post-lock status and no-ops when already confirmed.
			// An item that moved elsewhere (e.g. cancelled) in the meantime is
			// skipped rather than failing the whole webhook.
			if _, err := s.applyTransition(ctx, tx, item, TransitionRequest{
				LineItemID: item.ID,
				Target:     StatusPaymentConfirmed,
				Reason:     "payment confirmed",
				ActorID:    actorID,
			}); err != nil {
				var invalid *InvalidTransitionError
				if errors.As(err, &invalid) {
					continue
				}
				return err
			}
		}

		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if paymentRef != "" && order.PaymentRef != paymentRef {
			if err := tx.SetOrderPaymentRef(ctx, orderID, paymentRef); err != nil {
				return errors.Wrap(err, "set payment ref")
			}
			order.PaymentRef = paymentRef
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.lg.Info("payment confirmed",
		zap.String("order_id", orderID),
		zap.String("payment_ref", paymentRef),
	)
	// The in-transaction read has no line items loaded; return a full order.
	return s.store.GetOrder(ctx, orderID)
}

// NewLineItem is the checkout collaborator's input for one line item.
type NewLineItem struct {
	MerchantID  string
	ProductID   string
	VariantID   string
	Type        ItemType
	Quantity    int
	UnitPrice   int64
	ProductName string
	ProductSKU  string
	Fulfillment Payload
}

// CreateOrderRequest is the checkout collaborator's input. Prices are
// integer minor units in Currency; product name and SKU are snapshotted
// as supplied.
type CreateOrderRequest struct {
	OrderNumber     string
	UserID          string
	GuestEmail      string
	GuestPhone      string
	Currency        string
	Tax             int64
	Shipping        int64
	Discount        int64
	ShippingAddress *Address
	BillingAddress  *Address
	Metadata        map[string]any
	Items           []NewLineItem
}

// CreateOrder creates an order with its line items, all starting at pending,
// plus the initial audit rows and creation events, in one transaction.
// Idempotent on order number: a repeated request returns the existing order
// untouched.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.UserID == "" && req.GuestEmail == "" && req.GuestPhone == "" {
		return nil, ErrNoOwner
	}
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}
	for _, in := range req.Items {
		if !KnownType(in.Type) {
			return nil, errors.Wrapf(ErrBadInput, "unknown item type %q", in.Type)
		}
		if in.Quantity <= 0 {
			return nil, errors.Wrapf(ErrBadInput, "non-positive quantity for product %s", in.ProductID)
		}
	}

	if existing, err := s.store.GetOrderByNumber(ctx, req.OrderNumber); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	now := s.now()
	order := &Order{
		ID:              uuid.NewString(),
		OrderNumber:     req.OrderNumber,
		UserID:          req.UserID,
		GuestEmail:      req.GuestEmail,
		GuestPhone:      req.GuestPhone,
		Status:          OrderPending,
		Currency:        req.Currency,
		Tax:             req.Tax,
		Shipping:        req.Shipping,
		Discount:        req.Discount,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, in := range req.Items {
		item := LineItem{
			ID:              uuid.NewString(),
			OrderID:         order.ID,
			MerchantID:      in.MerchantID,
			ProductID:       in.ProductID,
			VariantID:       in.VariantID,
			Type:            in.Type,
			Status:          InitialStatus(),
			Quantity:        in.Quantity,
			UnitPrice:       in.UnitPrice,
			TotalPrice:      in.UnitPrice * int64(in.Quantity),
			Currency:        req.Currency,
			Fulfillment:     in.Fulfillment,
			ProductName:     in.ProductName,
			ProductSKU:      in.ProductSKU,
			StatusChangedAt: now,
			CreatedAt:       now,
		}
		order.Subtotal += item.TotalPrice
		order.Items = append(order.Items, item)
	}
	order.Total = order.Subtotal + order.Tax + order.Shipping - order.Discount

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return errors.Wrap(err, "insert order")
		}
		for i := range order.Items {
			item := &order.Items[i]
			if err := tx.InsertLineItem(ctx, item); err != nil {
				return errors.Wrap(err, "insert line item")
			}
			// First audit record: null -> pending.
			rec := &TransitionRecord{
				ID:         uuid.NewString(),
				LineItemID: item.ID,
				ToStatus:   string(item.Status),
				Reason:     "order created",
				CreatedAt:  now,
			}
			if err := tx.AppendTransition(ctx, rec); err != nil {
				return errors.Wrap(err, "append transition record")
			}
			ev, err := outbox.NewEvent(
				outbox.AggregateLineItem,
				item.ID,
				StatusChangedEventType(item.Type),
				StatusChangedPayload{
					OrderID:    order.ID,
					LineItemID: item.ID,
					MerchantID: item.MerchantID,
					ItemType:   item.Type,
					To:         string(item.Status),
					Reason:     "order created",
					OccurredAt: now,
				},
				outbox.IdempotencyKey(item.ID, string(item.Status), 0),
			)
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return errors.Wrap(err, "append outbox event")
			}
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateOrderNumber) {
		// Lost a race with a concurrent create for the same order number; the
		// pre-check above saw nothing. Fall back to the idempotent read.
		return s.store.GetOrderByNumber(ctx, req.OrderNumber)
	}
	if err != nil {
		return nil, err
	}

	s.lg.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("line_items", len(order.Items)),
	)
	return order, nil
}

// GetOrder returns the order with its line items.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetLineItem returns one line item.
func (s *Service) GetLineItem(ctx context.Context, id string) (*LineItem, error) {
	return s.store.GetLineItem(ctx, id)
}

// OrderTimeline returns the order-level audit trail, oldest first.
func (s *Service) OrderTimeline(ctx context.Context, orderID string) ([]TransitionRecord, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListOrderTransitions(ctx, orderID)
}

// LineItemTimeline returns one line item's audit trail, oldest first.
func (s *Service) LineItemTimeline(ctx context.Context, lineItemID string) ([]TransitionRecord, error) {
	if _, err := s.store.GetLineItem(ctx, lineItemID); err != nil {
		return nil, err
	}
	return s.store.ListLineItemTransitions(ctx, lineItemID)
}
