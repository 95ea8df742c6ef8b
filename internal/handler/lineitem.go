package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
)

type transitionReq struct {
	Target   string               `json:"target"`
	Reason   string               `json:"reason,omitempty"`
	ActorID  string               `json:"actor_id,omitempty"`
	Payload  *fulfillment.Payload `json:"fulfillment,omitempty"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

type transitionResp struct {
	Item        lineItemResp `json:"item"`
	From        string       `json:"from"`
	NoOp        bool         `json:"no_op"`
	OrderStatus string       `json:"order_status,omitempty"`
}

func toTransitionResp(res *fulfillment.TransitionResult) transitionResp {
	item := res.Item
	return transitionResp{
		Item: lineItemResp{
			ID:              item.ID,
			OrderID:         item.OrderID,
			MerchantID:      item.MerchantID,
			ProductID:       item.ProductID,
			VariantID:       item.VariantID,
			Type:            string(item.Type),
			Status:          string(item.Status),
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			TotalPrice:      item.TotalPrice,
			Currency:        item.Currency,
			Fulfillment:     item.Fulfillment,
			ProductName:     item.ProductName,
			ProductSKU:      item.ProductSKU,
			StatusChangedAt: item.StatusChangedAt,
		},
		From:        string(res.From),
		NoOp:        res.NoOp,
		OrderStatus: string(res.OrderStatus),
	}
}

// transition is the generic entry point used by merchant tooling and the
// booking collaborator: move one line item to a target status.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")
	var req transitionReq
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	treq := fulfillment.TransitionRequest{
		LineItemID: lineItemID,
		Target:     fulfillment.Status(req.Target),
		Reason:     req.Reason,
		ActorID:    req.ActorID,
		Metadata:   req.Metadata,
	}
	if req.Payload != nil {
		treq.Payload = *req.Payload
	}

	res, err := h.svc.AttemptTransition(r.Context(), treq)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !res.NoOp {
		h.invalidateStatus(r, res.Item.OrderID)
	}
	respondJSON(w, http.StatusOK, toTransitionResp(res))
}

type shipReq struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	ActorID        string `json:"actor_id,omitempty"`
}

// ship is a convenience wrapper for the merchant fulfillment UI: it persists
// carrier and tracking into the fulfillment payload while transitioning the
// item to shipped, in one atomic step.
func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	lineItemID := chi.URLParam(r, "lineItemID")
	var req shipReq
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := h.svc.AttemptTransition(r.Context(), fulfillment.TransitionRequest{
		LineItemID: lineItemID,
		Target:     fulfillment.StatusShipped,
		Reason:     "shipment dispatched",
		ActorID:    req.ActorID,
		Payload: fulfillment.Payload{
			Carrier:        req.Carrier,
			TrackingNumber: req.TrackingNumber,
		},
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !res.NoOp {
		h.invalidateStatus(r, res.Item.OrderID)
	}
	respondJSON(w, http.StatusOK, toTransitionResp(res))
}

func (h *Handler) lineItemTimeline(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.LineItemTimeline(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTimelineResp(records))
}
