package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
	"github.com/xenking/fulfillment/internal/redisx"
)

type newLineItemReq struct {
	MerchantID  string               `json:"merchant_id"`
	ProductID   string               `json:"product_id"`
	VariantID   string               `json:"variant_id,omitempty"`
	Type        string               `json:"type"`
	Quantity    int                  `json:"quantity"`
	UnitPrice   int64                `json:"unit_price"`
	ProductName string               `json:"product_name"`
	ProductSKU  string               `json:"product_sku"`
	Fulfillment *fulfillment.Payload `json:"fulfillment,omitempty"`
}

type createOrderReq struct {
	OrderNumber     string               `json:"order_number"`
	UserID          string               `json:"user_id,omitempty"`
	GuestEmail      string               `json:"guest_email,omitempty"`
	GuestPhone      string               `json:"guest_phone,omitempty"`
	Currency        string               `json:"currency"`
	Tax             int64                `json:"tax,omitempty"`
	Shipping        int64                `json:"shipping,omitempty"`
	Discount        int64                `json:"discount,omitempty"`
	ShippingAddress *fulfillment.Address `json:"shipping_address,omitempty"`
	BillingAddress  *fulfillment.Address `json:"billing_address,omitempty"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
	Items           []newLineItemReq     `json:"items"`
}

type lineItemResp struct {
	ID              string              `json:"id"`
	OrderID         string              `json:"order_id"`
	MerchantID      string              `json:"merchant_id"`
	ProductID       string              `json:"product_id"`
	VariantID       string              `json:"variant_id,omitempty"`
	Type            string              `json:"type"`
	Status          string              `json:"status"`
	Quantity        int                 `json:"quantity"`
	UnitPrice       int64               `json:"unit_price"`
	TotalPrice      int64               `json:"total_price"`
	Currency        string              `json:"currency"`
	Fulfillment     fulfillment.Payload `json:"fulfillment"`
	ProductName     string              `json:"product_name"`
	ProductSKU      string              `json:"product_sku"`
	StatusChangedAt time.Time           `json:"status_changed_at"`
}

type orderResp struct {
	ID          string         `json:"id"`
	OrderNumber string         `json:"order_number"`
	Status      string         `json:"status"`
	Currency    string         `json:"currency"`
	Subtotal    int64          `json:"subtotal"`
	Tax         int64          `json:"tax"`
	Shipping    int64          `json:"shipping"`
	Discount    int64          `json:"discount"`
	Total       int64          `json:"total"`
	PaymentRef  string         `json:"payment_ref,omitempty"`
	Items       []lineItemResp `json:"items"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toOrderResp(o *fulfillment.Order) orderResp {
	items := make([]lineItemResp, len(o.Items))
	for i, it := range o.Items {
		items[i] = lineItemResp{
			ID:              it.ID,
			OrderID:         it.OrderID,
			MerchantID:      it.MerchantID,
			ProductID:       it.ProductID,
			VariantID:       it.VariantID,
			Type:            string(it.Type),
			Status:          string(it.Status),
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			TotalPrice:      it.TotalPrice,
			Currency:        it.Currency,
			Fulfillment:     it.Fulfillment,
			ProductName:     it.ProductName,
			ProductSKU:      it.ProductSKU,
			StatusChangedAt: it.StatusChangedAt,
		}
	}
	return orderResp{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		Status:      string(o.Status),
		Currency:    o.Currency,
		Subtotal:    o.Subtotal,
		Tax:         o.Tax,
		Shipping:    o.Shipping,
		Discount:    o.Discount,
		Total:       o.Total,
		PaymentRef:  o.PaymentRef,
		Items:       items,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

// createOrder is the checkout collaborator entry point. Idempotent on
// order number.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	items := make([]fulfillment.NewLineItem, len(req.Items))
	for i, in := range req.Items {
		items[i] = fulfillment.NewLineItem{
			MerchantID:  in.MerchantID,
			ProductID:   in.ProductID,
			VariantID:   in.VariantID,
			Type:        fulfillment.ItemType(in.Type),
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			ProductName: in.ProductName,
			ProductSKU:  in.ProductSKU,
		}
		if in.Fulfillment != nil {
			items[i].Fulfillment = *in.Fulfillment
		}
	}

	order, err := h.svc.CreateOrder(r.Context(), fulfillment.CreateOrderRequest{
		OrderNumber:     req.OrderNumber,
		UserID:          req.UserID,
		GuestEmail:      req.GuestEmail,
		GuestPhone:      req.GuestPhone,
		Currency:        req.Currency,
		Tax:             req.Tax,
		Shipping:        req.Shipping,
		Discount:        req.Discount,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Metadata:        req.Metadata,
		Items:           items,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toOrderResp(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderResp(order))
}

type orderStatusResp struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

// getOrderStatus serves the hot "where is my order" read, through the redis
// cache when one is configured. Cache failures fall back to the store.
func (h *Handler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderID")

	if h.cache != nil {
		cached, ok, err := h.cache.Get(ctx, orderID)
		if err != nil {
			zctx.From(ctx).Warn("status cache read", zap.Error(err))
		} else if ok {
			respondJSON(w, http.StatusOK, orderStatusResp{
				OrderID:   orderID,
				Status:    cached.Status,
				UpdatedAt: cached.UpdatedAt,
				Cached:    true,
			})
			return
		}
	}

	order, err := h.svc.GetOrder(ctx, orderID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if h.cache != nil {
		err := h.cache.Set(ctx, orderID, redisx.CachedStatus{
			Status:    string(order.Status),
			UpdatedAt: order.UpdatedAt,
		})
		if err != nil {
			zctx.From(ctx).Warn("status cache write", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, orderStatusResp{
		OrderID:   orderID,
		Status:    string(order.Status),
		UpdatedAt: order.UpdatedAt,
	})
}

type paymentConfirmedReq struct {
	PaymentRef string `json:"payment_ref"`
	ActorID    string `json:"actor_id,omitempty"`
}

// paymentConfirmed is the payment collaborator webhook: every pending line
// item of the order moves to payment_confirmed. Safe to retry.
func (h *Handler) paymentConfirmed(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req paymentConfirmedReq
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	order, err := h.svc.ConfirmPayment(r.Context(), orderID, req.PaymentRef, req.ActorID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.invalidateStatus(r, orderID)
	respondJSON(w, http.StatusOK, toOrderResp(order))
}

type transitionRecordResp struct {
	ID         string         `json:"id"`
	OrderID    string         `json:"order_id,omitempty"`
	LineItemID string         `json:"line_item_id,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to"`
	Reason     string         `json:"reason,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toTimelineResp(records []fulfillment.TransitionRecord) []transitionRecordResp {
	out := make([]transitionRecordResp, len(records))
	for i, rec := range records {
		out[i] = transitionRecordResp{
			ID:         rec.ID,
			OrderID:    rec.OrderID,
			LineItemID: rec.LineItemID,
			From:       rec.FromStatus,
			To:         rec.ToStatus,
			Reason:     rec.Reason,
			ActorID:    rec.ActorID,
			Metadata:   rec.Metadata,
			CreatedAt:  rec.CreatedAt,
		}
	}
	return out
}

func (h *Handler) orderTimeline(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.OrderTimeline(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTimelineResp(records))
}

// invalidateStatus drops the cached order status after a write; a stale read
// until TTL would otherwise survive the transition.
func (h *Handler) invalidateStatus(r *http.Request, orderID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(r.Context(), orderID); err != nil {
		zctx.From(r.Context()).Warn("status cache invalidate", zap.Error(err))
	}
}
