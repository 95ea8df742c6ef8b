// Package handler exposes the fulfillment core over HTTP: the collaborator
// entry points (checkout, payment webhook, merchant fulfillment, booking)
// and the read-only order/timeline surface.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
	"github.com/xenking/fulfillment/internal/redisx"
)

// Handler routes HTTP requests to the fulfillment service.
type Handler struct {
	svc   *fulfillment.Service
	cache *redisx.StatusCache // nil when redis is not configured
}

// New constructs a Handler. cache may be nil.
func New(svc *fulfillment.Service, cache *redisx.StatusCache) *Handler {
	return &Handler{svc: svc, cache: cache}
}

// Routes returns the API router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/{orderID}", h.getOrder)
		r.Get("/{orderID}/status", h.getOrderStatus)
		r.Get("/{orderID}/timeline", h.orderTimeline)
		r.Post("/{orderID}/payment-confirmed", h.paymentConfirmed)
	})
	r.Route("/line-items", func(r chi.Router) {
		r.Post("/{lineItemID}/transition", h.transition)
		r.Post("/{lineItemID}/ship", h.ship)
		r.Get("/{lineItemID}/timeline", h.lineItemTimeline)
	})

	return r
}
