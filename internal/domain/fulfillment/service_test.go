package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/outbox"
)

// --- In-memory store with transaction semantics ---
//
// WithinTx serializes callers on one mutex (standing in for row locks) and
// restores a deep-copied snapshot when fn fails, so rollback behavior can be
// asserted the same way it works against the real store.

type memState struct {
	orders  map[string]*Order
	items   map[string]*LineItem
	itemIDs []string // insertion order
	records []TransitionRecord
	events  []outbox.Event
}

func newMemState() *memState {
	return &memState{
		orders: make(map[string]*Order),
		items:  make(map[string]*LineItem),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for id, o := range s.orders {
		cp := *o
		out.orders[id] = &cp
	}
	for id, it := range s.items {
		cp := *it
		out.items[id] = &cp
	}
	out.itemIDs = append([]string(nil), s.itemIDs...)
	out.records = append([]TransitionRecord(nil), s.records...)
	out.events = append([]outbox.Event(nil), s.events...)
	return out
}

type memStore struct {
	mu    sync.Mutex
	state *memState

	failAppendTransition bool
	failAppendEvent      bool
	// missNextByNumber makes the next GetOrderByNumber miss, emulating a
	// racing create whose pre-check ran before the winner committed.
	missNextByNumber bool
	// staleList rewrites the next in-tx ListLineItems result, emulating a
	// snapshot read that raced a concurrent transition.
	staleList func([]LineItem) []LineItem
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{store: s}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrderLocked(id)
}

func (s *memStore) getOrderLocked(id string) (*Order, error) {
	o, ok := s.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	cp.Items = s.listItemsLocked(id)
	return &cp, nil
}

func (s *memStore) listItemsLocked(orderID string) []LineItem {
	var out []LineItem
	for _, id := range s.state.itemIDs {
		if it := s.state.items[id]; it.OrderID == orderID {
			out = append(out, *it)
		}
	}
	return out
}

func (s *memStore) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missNextByNumber {
		s.missNextByNumber = false
		return nil, ErrOrderNotFound
	}
	for id, o := range s.state.orders {
		if o.OrderNumber == number {
			return s.getOrderLocked(id)
		}
	}
	return nil, ErrOrderNotFound
}

func (s *memStore) GetLineItem(ctx context.Context, id string) (*LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.state.items[id]
	if !ok {
		return nil, ErrLineItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *memStore) ListOrderTransitions(ctx context.Context, orderID string) ([]TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransitionRecord
	for _, rec := range s.state.records {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListLineItemTransitions(ctx context.Context, lineItemID string) ([]TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TransitionRecord
	for _, rec := range s.state.records {
		if rec.LineItemID == lineItemID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) eventsFor(aggregateID string) []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	for _, ev := range s.state.events {
		if ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out
}

type memTx struct {
	store *memStore
}

func (t *memTx) GetLineItemForUpdate(ctx context.Context, id string) (*LineItem, error) {
	it, ok := t.store.state.items[id]
	if !ok {
		return nil, ErrLineItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id string) (*Order, error) {
	o, ok := t.store.state.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) ListLineItems(ctx context.Context, orderID string) ([]LineItem, error) {
	items := t.store.listItemsLocked(orderID)
	if t.store.staleList != nil {
		items = t.store.staleList(items)
		t.store.staleList = nil
	}
	return items, nil
}

func (t *memTx) UpdateLineItemStatus(ctx context.Context, id string, status Status, payload Payload, at time.Time) error {
	it, ok := t.store.state.items[id]
	if !ok {
		return ErrLineItemNotFound
	}
	it.Status = status
	it.Fulfillment = payload
	it.StatusChangedAt = at
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id string, status OrderStatus, at time.Time) error {
	o, ok := t.store.state.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}

func (t *memTx) SetOrderPaymentRef(ctx context.Context, id, paymentRef string) error {
	o, ok := t.store.state.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentRef = paymentRef
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	for _, existing := range t.store.state.orders {
		if existing.OrderNumber == o.OrderNumber {
			return ErrDuplicateOrderNumber
		}
	}
	cp := *o
	cp.Items = nil
	t.store.state.orders[o.ID] = &cp
	return nil
}

func (t *memTx) InsertLineItem(ctx context.Context, item *LineItem) error {
	cp := *item
	t.store.state.items[item.ID] = &cp
	t.store.state.itemIDs = append(t.store.state.itemIDs, item.ID)
	return nil
}

func (t *memTx) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	if t.store.failAppendTransition {
		return fmt.Errorf("audit insert failed")
	}
	t.store.state.records = append(t.store.state.records, *rec)
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev outbox.Event) error {
	if t.store.failAppendEvent {
		return fmt.Errorf("outbox insert failed")
	}
	// idempotency_key is UNIQUE in the real schema.
	for _, existing := range t.store.state.events {
		if existing.IdempotencyKey == ev.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key %q", ev.IdempotencyKey)
		}
	}
	t.store.state.events = append(t.store.state.events, ev)
	return nil
}

func (t *memTx) CountTransitionsTo(ctx context.Context, lineItemID string, to Status) (int, error) {
	n := 0
	for _, rec := range t.store.state.records {
		if rec.LineItemID == lineItemID && rec.ToStatus == string(to) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountOrderTransitionsTo(ctx context.Context, orderID string, to OrderStatus) (int, error) {
	n := 0
	for _, rec := range t.store.state.records {
		if rec.OrderID == orderID && rec.ToStatus == string(to) {
			n++
		}
	}
	return n, nil
}

// --- Helpers ---

func newTestService(store *memStore) *Service {
	return NewService(store, nil, zap.NewNop())
}

func physicalItem() NewLineItem {
	return NewLineItem{
		MerchantID:  "merchant-1",
		ProductID:   "prod-1",
		Type:        TypePhysical,
		Quantity:    1,
		UnitPrice:   2500,
		ProductName: "Ceramic Mug",
		ProductSKU:  "MUG-01",
	}
}

func digitalItem() NewLineItem {
	return NewLineItem{
		MerchantID:  "merchant-2",
		ProductID:   "prod-2",
		Type:        TypeDigital,
		Quantity:    1,
		UnitPrice:   900,
		ProductName: "Photo Preset Pack",
		ProductSKU:  "PRESET-02",
	}
}

func serviceItem() NewLineItem {
	return NewLineItem{
		MerchantID:  "merchant-3",
		ProductID:   "prod-3",
		Type:        TypeService,
		Quantity:    1,
		UnitPrice:   5000,
		ProductName: "Studio Session",
		ProductSKU:  "SESSION-03",
	}
}

func createOrder(t *testing.T, svc *Service, items ...NewLineItem) *Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNumber: fmt.Sprintf("ORD-%s", t.Name()),
		UserID:      "user-1",
		Currency:    "EUR",
		Items:       items,
	})
	require.NoError(t, err)
	return order
}

func mustTransition(t *testing.T, svc *Service, itemID string, target Status) *TransitionResult {
	t.Helper()
	res, err := svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: itemID,
		Target:     target,
	})
	require.NoError(t, err, "transition to %s", target)
	return res
}

// --- Order creation ---

func TestCreateOrder(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNumber: "ORD-1001",
		GuestEmail:  "guest@example.com",
		Currency:    "EUR",
		Tax:         200,
		Shipping:    500,
		Discount:    100,
		Items:       []NewLineItem{physicalItem(), digitalItem()},
	})
	require.NoError(t, err)

	assert.Equal(t, OrderPending, order.Status)
	assert.Equal(t, int64(3400), order.Subtotal)
	assert.Equal(t, int64(4000), order.Total)
	require.Len(t, order.Items, 2)

	for _, item := range order.Items {
		assert.Equal(t, StatusPending, item.Status)

		// First audit record is the null -> pending entry.
		records, err := svc.LineItemTimeline(context.Background(), item.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Empty(t, records[0].FromStatus)
		assert.Equal(t, string(StatusPending), records[0].ToStatus)

		events := store.eventsFor(item.ID)
		require.Len(t, events, 1)
		assert.Equal(t, outbox.IdempotencyKey(item.ID, "pending", 0), events[0].IdempotencyKey)
	}
}

func TestCreateOrder_IdempotentOnOrderNumber(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	first, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNumber: "ORD-1002",
		UserID:      "user-1",
		Currency:    "EUR",
		Items:       []NewLineItem{physicalItem()},
	})
	require.NoError(t, err)

	second, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNumber: "ORD-1002",
		UserID:      "user-1",
		Currency:    "EUR",
		Items:       []NewLineItem{physicalItem(), digitalItem()},
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Items, 1, "retried create must not add items")
}

// Two creates racing on the same order number: the loser's pre-check misses,
// its insert hits the unique constraint, and it must still return the
// winner's order instead of an error.
func TestCreateOrder_ConcurrentSameNumber(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	req := CreateOrderRequest{
		OrderNumber: "ORD-1003",
		UserID:      "user-1",
		Currency:    "EUR",
		Items:       []NewLineItem{physicalItem()},
	}
	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	store.missNextByNumber = true
	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Items, 1)
}

func TestCreateOrder_Validation(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, CreateOrderRequest{
		OrderNumber: "ORD-1", Currency: "EUR",
		Items: []NewLineItem{physicalItem()},
	})
	assert.ErrorIs(t, err, ErrNoOwner)

	_, err = svc.CreateOrder(ctx, CreateOrderRequest{
		OrderNumber: "ORD-2", UserID: "u", Currency: "EUR",
	})
	assert.ErrorIs(t, err, ErrNoItems)

	bad := physicalItem()
	bad.Type = "subscription"
	_, err = svc.CreateOrder(ctx, CreateOrderRequest{
		OrderNumber: "ORD-3", UserID: "u", Currency: "EUR",
		Items: []NewLineItem{bad},
	})
	assert.ErrorIs(t, err, ErrBadInput)

	zero := physicalItem()
	zero.Quantity = 0
	_, err = svc.CreateOrder(ctx, CreateOrderRequest{
		OrderNumber: "ORD-4", UserID: "u", Currency: "EUR",
		Items: []NewLineItem{zero},
	})
	assert.ErrorIs(t, err, ErrBadInput)
}

// --- Transitions ---

func TestAttemptTransition_NotFound(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: "missing",
		Target:     StatusPaymentConfirmed,
	})
	assert.ErrorIs(t, err, ErrLineItemNotFound)
}

// Physical item walks the full happy path, with carrier details arriving at
// shipped; the order completes once its only item is delivered.
func TestTransition_PhysicalDeliveryWalk(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	mustTransition(t, svc, itemID, StatusPreparing)
	mustTransition(t, svc, itemID, StatusReadyToShip)

	res, err := svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: itemID,
		Target:     StatusShipped,
		Payload:    Payload{Carrier: "UPS", TrackingNumber: "1Z999"},
	})
	require.NoError(t, err)
	assert.Equal(t, "UPS", res.Item.Fulfillment.Carrier)
	assert.Equal(t, "1Z999", res.Item.Fulfillment.TrackingNumber)

	mustTransition(t, svc, itemID, StatusOutForDelivery)
	final := mustTransition(t, svc, itemID, StatusDelivered)

	assert.Equal(t, OrderCompleted, final.OrderStatus)
	assert.True(t, final.OrderStatusChanged)

	// Tracking survives subsequent transitions.
	item, err := svc.GetLineItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, "1Z999", item.Fulfillment.TrackingNumber)

	// The audit trail is a connected walk from null -> pending -> ... -> delivered.
	records, err := svc.LineItemTimeline(context.Background(), itemID)
	require.NoError(t, err)
	require.Len(t, records, 7)
	assert.Empty(t, records[0].FromStatus)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].ToStatus, records[i].FromStatus,
			"record %d breaks the walk", i)
	}
	assert.Equal(t, string(StatusDelivered), records[len(records)-1].ToStatus)

	// One event per accepted transition, never more.
	assert.Len(t, store.eventsFor(itemID), 7)
}

// Digital item is refunded from access_granted without ever being downloaded.
func TestTransition_DigitalRefundWalk(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, digitalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	mustTransition(t, svc, itemID, StatusAccessGranted)
	mustTransition(t, svc, itemID, StatusRefundRequested)
	res := mustTransition(t, svc, itemID, StatusRefunded)

	assert.Equal(t, OrderRefunded, res.OrderStatus)

	events := store.eventsFor(itemID)
	var found bool
	for _, ev := range events {
		var payload StatusChangedPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		if ev.EventType == "digital.status_changed" && payload.To == string(StatusRefunded) {
			found = true
			assert.Equal(t, string(StatusRefundRequested), payload.From)
		}
	}
	assert.True(t, found, "expected a digital.status_changed event with to=refunded")
}

// A no-show booking cannot be completed afterwards.
func TestTransition_ServiceNoShow(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, serviceItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	mustTransition(t, svc, itemID, StatusBookingConfirmed)
	mustTransition(t, svc, itemID, StatusNoShow)

	_, err := svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: itemID,
		Target:     StatusCompleted,
	})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusNoShow, invalid.From)

	item, err := svc.GetLineItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, item.Status, "rejected transition must not mutate status")
}

// Repeating a transition is a no-op success: no audit row, no event.
func TestTransition_DuplicateIsNoOp(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	recordsBefore, _ := svc.LineItemTimeline(context.Background(), itemID)
	eventsBefore := store.eventsFor(itemID)

	res := mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	assert.True(t, res.NoOp)

	recordsAfter, _ := svc.LineItemTimeline(context.Background(), itemID)
	assert.Len(t, recordsAfter, len(recordsBefore))
	assert.Len(t, store.eventsFor(itemID), len(eventsBefore))
}

// Two racing attempts targeting mutually exclusive next states: exactly one
// succeeds, the loser is validated against the post-transition status.
func TestTransition_ConcurrentExclusiveTargets(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	mustTransition(t, svc, itemID, StatusPreparing)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, target := range []Status{StatusCancelled, StatusReadyToShip} {
		wg.Add(1)
		go func(idx int, target Status) {
			defer wg.Done()
			_, results[idx] = svc.AttemptTransition(context.Background(), TransitionRequest{
				LineItemID: itemID,
				Target:     target,
			})
		}(i, target)
	}
	wg.Wait()

	var successes, invalids int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		invalids++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, invalids)
}

// A failure while writing the outbox row aborts the whole unit: the status
// update and audit row roll back with it.
func TestTransition_AtomicRollback(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	store.failAppendEvent = true
	_, err := svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: itemID,
		Target:     StatusPaymentConfirmed,
	})
	require.Error(t, err)

	item, err := svc.GetLineItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)

	records, err := svc.LineItemTimeline(context.Background(), itemID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "only the creation record may exist")

	store.failAppendEvent = false
	store.failAppendTransition = true
	_, err = svc.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: itemID,
		Target:     StatusPaymentConfirmed,
	})
	require.Error(t, err)

	item, err = svc.GetLineItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
}

// --- Payment confirmation ---

func TestConfirmPayment(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem(), digitalItem(), serviceItem())

	confirmed, err := svc.ConfirmPayment(context.Background(), order.ID, "pay_123", "")
	require.NoError(t, err)
	assert.Equal(t, "pay_123", confirmed.PaymentRef)
	assert.Equal(t, OrderProcessing, confirmed.Status)
	require.Len(t, confirmed.Items, 3)
	for _, item := range confirmed.Items {
		assert.Equal(t, StatusPaymentConfirmed, item.Status)
	}

	// Retried webhook: no new audit rows or events.
	var recordsBefore int
	for _, item := range confirmed.Items {
		records, _ := svc.LineItemTimeline(context.Background(), item.ID)
		recordsBefore += len(records)
	}
	again, err := svc.ConfirmPayment(context.Background(), order.ID, "pay_123", "")
	require.NoError(t, err)
	assert.Equal(t, OrderProcessing, again.Status)
	var recordsAfter int
	for _, item := range again.Items {
		records, _ := svc.LineItemTimeline(context.Background(), item.ID)
		recordsAfter += len(records)
	}
	assert.Equal(t, recordsBefore, recordsAfter)
}

// An item cancelled between the list snapshot and its row lock is skipped;
// the webhook still confirms the rest instead of failing wholesale.
func TestConfirmPayment_SkipsConcurrentlyMovedItem(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem(), digitalItem())
	cancelledID := order.Items[0].ID

	mustTransition(t, svc, cancelledID, StatusCancelled)

	store.staleList = func(items []LineItem) []LineItem {
		for i := range items {
			if items[i].ID == cancelledID {
				items[i].Status = StatusPending
			}
		}
		return items
	}
	confirmed, err := svc.ConfirmPayment(context.Background(), order.ID, "pay_456", "")
	require.NoError(t, err)

	require.Len(t, confirmed.Items, 2)
	for _, item := range confirmed.Items {
		if item.ID == cancelledID {
			assert.Equal(t, StatusCancelled, item.Status)
		} else {
			assert.Equal(t, StatusPaymentConfirmed, item.Status)
		}
	}
}

func TestConfirmPayment_OrderNotFound(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.ConfirmPayment(context.Background(), "missing", "pay_1", "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// --- Order roll-up side effects ---

func TestTransition_OrderRollupRecorded(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem(), digitalItem())

	// First item leaving pending flips the order to PROCESSING.
	res := mustTransition(t, svc, order.Items[0].ID, StatusPaymentConfirmed)
	assert.Equal(t, OrderProcessing, res.OrderStatus)
	assert.True(t, res.OrderStatusChanged)

	records, err := svc.OrderTimeline(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(OrderPending), records[0].FromStatus)
	assert.Equal(t, string(OrderProcessing), records[0].ToStatus)

	events := store.eventsFor(order.ID)
	require.Len(t, events, 1)
	assert.Equal(t, OrderStatusChangedEvent, events[0].EventType)

	// Second item leaving pending does not change the roll-up again.
	res = mustTransition(t, svc, order.Items[1].ID, StatusPaymentConfirmed)
	assert.False(t, res.OrderStatusChanged)
	assert.Len(t, store.eventsFor(order.ID), 1)
}

// A refund request on a delivered item sends the roll-up back to PROCESSING.
// The second visit needs its own attempt number: the store enforces key
// uniqueness, so a repeated <order>:PROCESSING:0 would abort the transition.
func TestTransition_OrderStatusRevisited(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	for _, target := range []Status{
		StatusPaymentConfirmed, StatusPreparing, StatusReadyToShip,
		StatusShipped, StatusOutForDelivery, StatusDelivered,
	} {
		mustTransition(t, svc, itemID, target)
	}
	res := mustTransition(t, svc, itemID, StatusRefundRequested)
	assert.Equal(t, OrderProcessing, res.OrderStatus)
	assert.True(t, res.OrderStatusChanged)

	events := store.eventsFor(order.ID)
	require.Len(t, events, 3)
	assert.Equal(t, outbox.IdempotencyKey(order.ID, string(OrderProcessing), 0), events[0].IdempotencyKey)
	assert.Equal(t, outbox.IdempotencyKey(order.ID, string(OrderCompleted), 0), events[1].IdempotencyKey)
	assert.Equal(t, outbox.IdempotencyKey(order.ID, string(OrderProcessing), 1), events[2].IdempotencyKey)

	res = mustTransition(t, svc, itemID, StatusRefunded)
	assert.Equal(t, OrderRefunded, res.OrderStatus)
}

// --- Refund window policy ---

func TestRefundWindow(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, WindowRefundPolicy{Window: time.Hour}, zap.NewNop())
	order := createOrder(t, svc, digitalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)
	mustTransition(t, svc, itemID, StatusAccessGranted)

	// Within the window: allowed.
	mustTransition(t, svc, itemID, StatusRefundRequested)
	mustTransition(t, svc, itemID, StatusRefunded)

	// Outside the window: rejected.
	store2 := newMemStore()
	svc2 := NewService(store2, WindowRefundPolicy{Window: time.Hour}, zap.NewNop())
	svc2.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	order2, err := svc2.CreateOrder(context.Background(), CreateOrderRequest{
		OrderNumber: "ORD-window",
		UserID:      "user-1",
		Currency:    "EUR",
		Items:       []NewLineItem{digitalItem()},
	})
	require.NoError(t, err)
	item2 := order2.Items[0].ID
	mustTransition(t, svc2, item2, StatusPaymentConfirmed)
	mustTransition(t, svc2, item2, StatusAccessGranted)

	svc2.now = time.Now
	_, err = svc2.AttemptTransition(context.Background(), TransitionRequest{
		LineItemID: item2,
		Target:     StatusRefundRequested,
	})
	var window *RefundWindowError
	require.ErrorAs(t, err, &window)
}

// Idempotency keys are deterministic per (item, target, attempt).
func TestIdempotencyKeys(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	order := createOrder(t, svc, physicalItem())
	itemID := order.Items[0].ID

	mustTransition(t, svc, itemID, StatusPaymentConfirmed)

	events := store.eventsFor(itemID)
	require.Len(t, events, 2)
	assert.Equal(t, outbox.IdempotencyKey(itemID, "pending", 0), events[0].IdempotencyKey)
	assert.Equal(t, outbox.IdempotencyKey(itemID, "payment_confirmed", 0), events[1].IdempotencyKey)
}
