package order_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/auth"
)

// OrderEvents streams the transitions of one order to its owner.
func (h *Handler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if _, err := h.OrderService.GetOwnedOrder(r.Context(), orderID, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "OrderEvents", err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.Logger.Debug("SSE", fmt.Sprintf("could not clear write deadline: %v", err))
	}

	setupSSEHeaders(w)

	ctx := r.Context()
	eventChan := h.Events.Subscribe(ctx, orderID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"orderId\":%q}\n\n", orderID)
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to order events for order: %s", orderID))

	for {
		select {
		case ev, open := <-eventChan:
			if !open {
				h.Logger.Debug("SSE", fmt.Sprintf("Channel closed for order: %s", orderID))
				return
			}
			jsonData, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize order event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: transition\ndata: %s\n\n", jsonData)
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from order events for: %s", orderID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
