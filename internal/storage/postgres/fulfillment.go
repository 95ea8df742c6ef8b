package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
	"github.com/xenking/fulfillment/internal/domain/outbox"
)

// querier is the query surface shared by the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ fulfillment.Store = (*FulfillmentStore)(nil)

// FulfillmentStore implements fulfillment.Store backed by PostgreSQL.
type FulfillmentStore struct {
	pool *pgxpool.Pool
}

// NewFulfillmentStore returns a store using the given pool.
func NewFulfillmentStore(pool *pgxpool.Pool) *FulfillmentStore {
	return &FulfillmentStore{pool: pool}
}

// WithinTx runs fn inside one transaction. Commit is the single point of
// durability: an error from fn, or a commit failure, leaves no writes behind.
func (s *FulfillmentStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx fulfillment.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *FulfillmentStore) GetOrder(ctx context.Context, id string) (*fulfillment.Order, error) {
	order, err := getOrder(ctx, s.pool, id, false)
	if err != nil {
		return nil, err
	}
	items, err := listLineItems(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *FulfillmentStore) GetOrderByNumber(ctx context.Context, number string) (*fulfillment.Order, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM orders WHERE order_number = $1`, number).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order by number")
	}
	return s.GetOrder(ctx, id)
}

func (s *FulfillmentStore) GetLineItem(ctx context.Context, id string) (*fulfillment.LineItem, error) {
	return getLineItem(ctx, s.pool, id, false)
}

func (s *FulfillmentStore) ListOrderTransitions(ctx context.Context, orderID string) ([]fulfillment.TransitionRecord, error) {
	return listTransitions(ctx, s.pool, `order_id`, orderID)
}

func (s *FulfillmentStore) ListLineItemTransitions(ctx context.Context, lineItemID string) ([]fulfillment.TransitionRecord, error) {
	return listTransitions(ctx, s.pool, `line_item_id`, lineItemID)
}

var _ fulfillment.Tx = (*storeTx)(nil)

// storeTx is the transaction-scoped write surface.
type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) GetLineItemForUpdate(ctx context.Context, id string) (*fulfillment.LineItem, error) {
	return getLineItem(ctx, t.tx, id, true)
}

func (t *storeTx) GetOrderForUpdate(ctx context.Context, id string) (*fulfillment.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *storeTx) ListLineItems(ctx context.Context, orderID string) ([]fulfillment.LineItem, error) {
	return listLineItems(ctx, t.tx, orderID)
}

func (t *storeTx) UpdateLineItemStatus(ctx context.Context, id string, status fulfillment.Status, payload fulfillment.Payload, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal fulfillment payload")
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE line_items
		SET status = $2, fulfillment = $3, status_changed_at = $4
		WHERE id = $1`,
		id, string(status), body, at)
	if err != nil {
		return errors.Wrap(err, "update line item status")
	}
	if ct.RowsAffected() != 1 {
		return fulfillment.ErrLineItemNotFound
	}
	return nil
}

func (t *storeTx) UpdateOrderStatus(ctx context.Context, id string, status fulfillment.OrderStatus, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if ct.RowsAffected() != 1 {
		return fulfillment.ErrOrderNotFound
	}
	return nil
}

func (t *storeTx) SetOrderPaymentRef(ctx context.Context, id, paymentRef string) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET payment_ref = $2, updated_at = now() WHERE id = $1`,
		id, paymentRef)
	if err != nil {
		return errors.Wrap(err, "set payment ref")
	}
	if ct.RowsAffected() != 1 {
		return fulfillment.ErrOrderNotFound
	}
	return nil
}

func (t *storeTx) InsertOrder(ctx context.Context, o *fulfillment.Order) error {
	shipping, err := marshalNullable(o.ShippingAddress)
	if err != nil {
		return errors.Wrap(err, "marshal shipping address")
	}
	billing, err := marshalNullable(o.BillingAddress)
	if err != nil {
		return errors.Wrap(err, "marshal billing address")
	}
	metadata, err := json.Marshal(orEmpty(o.Metadata))
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, guest_email, guest_phone,
			status, currency, subtotal, tax, shipping, discount, total,
			shipping_address, billing_address, payment_ref, metadata,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.OrderNumber,
		nullable(o.UserID), nullable(o.GuestEmail), nullable(o.GuestPhone),
		string(o.Status), o.Currency, o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total,
		shipping, billing, o.PaymentRef, metadata,
		o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err, "orders_order_number_key") {
		return fulfillment.ErrDuplicateOrderNumber
	}
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	return nil
}

// isUniqueViolation reports whether err is a 23505 on the given constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (t *storeTx) InsertLineItem(ctx context.Context, item *fulfillment.LineItem) error {
	payload, err := json.Marshal(item.Fulfillment)
	if err != nil {
		return errors.Wrap(err, "marshal fulfillment payload")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO line_items (
			id, order_id, merchant_id, product_id, variant_id,
			item_type, status, quantity, unit_price, total_price, currency,
			fulfillment, product_name, product_sku, status_changed_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		item.ID, item.OrderID, item.MerchantID, item.ProductID, item.VariantID,
		string(item.Type), string(item.Status), item.Quantity,
		item.UnitPrice, item.TotalPrice, item.Currency,
		payload, item.ProductName, item.ProductSKU,
		item.StatusChangedAt, item.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert line item")
	}
	return nil
}

func (t *storeTx) AppendTransition(ctx context.Context, rec *fulfillment.TransitionRecord) error {
	metadata, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transition_records (
			id, order_id, line_item_id, from_status, to_status,
			reason, actor_id, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID,
		nullable(rec.OrderID), nullable(rec.LineItemID), nullable(rec.FromStatus),
		rec.ToStatus, rec.Reason, nullable(rec.ActorID), metadata, rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert transition record")
	}
	return nil
}

func (t *storeTx) AppendEvent(ctx context.Context, ev outbox.Event) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, event_type, payload,
			status, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.AggregateID, ev.AggregateType, ev.EventType, []byte(ev.Payload),
		string(ev.Status), ev.IdempotencyKey)
	if err != nil {
		return errors.Wrap(err, "insert outbox event")
	}
	return nil
}

func (t *storeTx) CountTransitionsTo(ctx context.Context, lineItemID string, to fulfillment.Status) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM transition_records
		WHERE line_item_id = $1 AND to_status = $2`,
		lineItemID, string(to)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count transitions")
	}
	return n, nil
}

func (t *storeTx) CountOrderTransitionsTo(ctx context.Context, orderID string, to fulfillment.OrderStatus) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM transition_records
		WHERE order_id = $1 AND to_status = $2`,
		orderID, string(to)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count order transitions")
	}
	return n, nil
}

// --- row mapping ---

const orderColumns = `
	id, order_number, user_id, guest_email, guest_phone,
	status, currency, subtotal, tax, shipping, discount, total,
	shipping_address, billing_address, payment_ref, metadata,
	archived_at, created_at, updated_at`

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*fulfillment.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		o                       fulfillment.Order
		userID, email, phone    *string
		shipping, billing, meta []byte
		status                  string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.OrderNumber, &userID, &email, &phone,
		&status, &o.Currency, &o.Subtotal, &o.Tax, &o.Shipping, &o.Discount, &o.Total,
		&shipping, &billing, &o.PaymentRef, &meta,
		&o.ArchivedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	o.Status = fulfillment.OrderStatus(status)
	o.UserID = deref(userID)
	o.GuestEmail = deref(email)
	o.GuestPhone = deref(phone)
	if shipping != nil {
		o.ShippingAddress = new(fulfillment.Address)
		if err := json.Unmarshal(shipping, o.ShippingAddress); err != nil {
			return nil, errors.Wrap(err, "unmarshal shipping address")
		}
	}
	if billing != nil {
		o.BillingAddress = new(fulfillment.Address)
		if err := json.Unmarshal(billing, o.BillingAddress); err != nil {
			return nil, errors.Wrap(err, "unmarshal billing address")
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshal metadata")
		}
	}
	return &o, nil
}

const lineItemColumns = `
	id, order_id, merchant_id, product_id, variant_id,
	item_type, status, quantity, unit_price, total_price, currency,
	fulfillment, product_name, product_sku, status_changed_at, created_at`

func getLineItem(ctx context.Context, q querier, id string, forUpdate bool) (*fulfillment.LineItem, error) {
	query := `SELECT` + lineItemColumns + ` FROM line_items WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, "get line item")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "get line item")
		}
		return nil, fulfillment.ErrLineItemNotFound
	}
	item, err := scanLineItem(rows)
	if err != nil {
		return nil, err
	}
	return &item, rows.Err()
}

func listLineItems(ctx context.Context, q querier, orderID string) ([]fulfillment.LineItem, error) {
	rows, err := q.Query(ctx, `SELECT`+lineItemColumns+`
		FROM line_items WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list line items")
	}
	defer rows.Close()

	var out []fulfillment.LineItem
	for rows.Next() {
		item, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanLineItem(row pgx.Row) (fulfillment.LineItem, error) {
	var (
		item             fulfillment.LineItem
		itemType, status string
		payload          []byte
	)
	err := row.Scan(
		&item.ID, &item.OrderID, &item.MerchantID, &item.ProductID, &item.VariantID,
		&itemType, &status, &item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.Currency,
		&payload, &item.ProductName, &item.ProductSKU, &item.StatusChangedAt, &item.CreatedAt)
	if err != nil {
		return fulfillment.LineItem{}, errors.Wrap(err, "scan line item")
	}
	item.Type = fulfillment.ItemType(itemType)
	item.Status = fulfillment.Status(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Fulfillment); err != nil {
			return fulfillment.LineItem{}, errors.Wrap(err, "unmarshal fulfillment payload")
		}
	}
	return item, nil
}

func listTransitions(ctx context.Context, q querier, column, id string) ([]fulfillment.TransitionRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, line_item_id, from_status, to_status,
		       reason, actor_id, metadata, created_at
		FROM transition_records
		WHERE `+column+` = $1
		ORDER BY created_at, id`, id)
	if err != nil {
		return nil, errors.Wrap(err, "list transitions")
	}
	defer rows.Close()

	var out []fulfillment.TransitionRecord
	for rows.Next() {
		var (
			rec                 fulfillment.TransitionRecord
			orderID, itemID     *string
			fromStatus, actorID *string
			metadata            []byte
		)
		if err := rows.Scan(&rec.ID, &orderID, &itemID, &fromStatus, &rec.ToStatus,
			&rec.Reason, &actorID, &metadata, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transition record")
		}
		rec.OrderID = deref(orderID)
		rec.LineItemID = deref(itemID)
		rec.FromStatus = deref(fromStatus)
		rec.ActorID = deref(actorID)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, errors.Wrap(err, "unmarshal metadata")
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- small helpers ---

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalNullable(addr *fulfillment.Address) ([]byte, error) {
	if addr == nil {
		return nil, nil
	}
	return json.Marshal(addr)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
