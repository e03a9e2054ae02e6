package order_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/apperror"
	"ms-orders/internal/auth"
	"ms-orders/internal/jobs"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/order"
	"ms-orders/internal/payment"
	"ms-orders/internal/recovery"
	"ms-orders/internal/reservation"
	"ms-orders/internal/sse"
	"ms-orders/internal/utils"
)

type Handler struct {
	OrderService    *order.Service
	Reservations    *reservation.Engine
	PaymentService  *payment.Service
	RecoveryService *recovery.Service
	Events          *sse.OrderEventEmitter
	Jobs            []*jobs.Controller
	Logger          *logger.Logger
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.Wrap(apperror.InvalidItems, err, "invalid request body")
	}
	return nil
}

func ok(w http.ResponseWriter, status int, message string, data any) {
	utils.WriteJSON(w, status, utils.SuccessResponse(message, data))
}

func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req models.AddItemRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, "AddCartItem", err)
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("AddCartItem: user=%s product=%s qty=%d", userID, req.ProductID, req.Quantity))

	cart, err := h.OrderService.AddItemToCart(r.Context(), userID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, "AddCartItem", err)
		return
	}
	ok(w, http.StatusOK, "item added to cart", cart)
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.OrderService.GetActiveCart(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "GetCart", err)
		return
	}
	ok(w, http.StatusOK, "cart", cart)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req models.CheckoutRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, "Checkout", err)
			return
		}
	}

	res, err := h.OrderService.Checkout(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, "Checkout", err)
		return
	}

	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	h.Logger.LogOrder("CHECKOUT", res.Order.ID, fmt.Sprintf("user %s checked out (idempotent=%t)", userID, res.Idempotent))
	ok(w, status, "checkout started", res)
}

func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	view, err := h.OrderService.GetCheckoutOrder(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "GetCheckout", err)
		return
	}
	ok(w, http.StatusOK, "checkout", view)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.OrderService.GetOwnedOrder(r.Context(), chi.URLParam(r, "orderId"), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "GetOrder", err)
		return
	}
	ok(w, http.StatusOK, "order", o)
}

func (h *Handler) GetOrderAudit(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "GetOrderAudit", err)
		return
	}
	audit, err := h.OrderService.ListAudit(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "GetOrderAudit", err)
		return
	}
	ok(w, http.StatusOK, "audit trail", audit)
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("DeleteOrder: orderId=%s", orderID))

	res, err := h.OrderService.CancelOrder(r.Context(), orderID, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "DeleteOrder", err)
		return
	}
	ok(w, http.StatusOK, "order cancelled", res)
}
