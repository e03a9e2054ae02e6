package order_api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/auth"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "ProcessPayment", err)
		return
	}

	var req models.PaymentRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, "ProcessPayment", err)
			return
		}
	}

	res, err := h.PaymentService.ProcessPayment(r.Context(), orderID, req)
	if err != nil {
		h.writeError(w, "ProcessPayment", err)
		return
	}

	h.Logger.Info("API", fmt.Sprintf("ProcessPayment: order=%s success=%t", orderID, res.Success))
	if !res.Success {
		resp := utils.ErrorResponse("payment failed", res.ErrorType)
		resp.Data = res
		utils.WriteJSON(w, http.StatusPaymentRequired, resp)
		return
	}
	ok(w, http.StatusOK, "payment succeeded", res)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "ListPayments", err)
		return
	}
	attempts, err := h.PaymentService.Attempts(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "ListPayments", err)
		return
	}
	ok(w, http.StatusOK, "payment attempts", attempts)
}
