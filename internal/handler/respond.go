package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/fulfillment/internal/domain/fulfillment"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps domain errors to HTTP statuses:
//   - not found            -> 404
//   - invalid input        -> 400
//   - illegal transition   -> 409 (the request conflicts with current state)
//   - refund window closed -> 409
//   - anything else        -> 503, the caller may retry (store errors are
//     transient by contract; partial writes cannot have happened)
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid *fulfillment.InvalidTransitionError
		unknown *fulfillment.UnknownStatusError
		window  *fulfillment.RefundWindowError
	)
	switch {
	case errors.Is(err, fulfillment.ErrOrderNotFound),
		errors.Is(err, fulfillment.ErrLineItemNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &invalid):
		respondJSON(w, http.StatusConflict, errorResponse{Error: invalid.Error(), Code: "invalid_transition"})
	case errors.As(err, &window):
		respondJSON(w, http.StatusConflict, errorResponse{Error: window.Error(), Code: "refund_window_elapsed"})
	case errors.As(err, &unknown),
		errors.Is(err, fulfillment.ErrNoOwner),
		errors.Is(err, fulfillment.ErrNoItems),
		errors.Is(err, fulfillment.ErrBadInput):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable, retry later", Code: "unavailable"})
	}
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.Wrap(fulfillment.ErrBadInput, err.Error())
	}
	return nil
}
