package order_api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/auth"
)

type extendRequest struct {
	AdditionalMs int64 `json:"additionalMs"`
}

func (h *Handler) GetReservations(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "GetReservations", err)
		return
	}
	rows, err := h.Reservations.GetActiveReservations(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "GetReservations", err)
		return
	}
	ok(w, http.StatusOK, "active reservations", rows)
}

func (h *Handler) ExtendReservations(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "ExtendReservations", err)
		return
	}

	var req extendRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, "ExtendReservations", err)
		return
	}
	res, err := h.Reservations.Extend(r.Context(), orderID, time.Duration(req.AdditionalMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, "ExtendReservations", err)
		return
	}
	ok(w, http.StatusOK, "reservations extended", res)
}
