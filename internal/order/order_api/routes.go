package order_api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-orders/internal/metrics"
	"ms-orders/internal/utils"
)

type RouterConfig struct {
	Auth        func(http.Handler) http.Handler
	OperatorIDs []string
	Metrics     *metrics.Metrics
	MetricsPath string
}

func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Logger, cfg.Metrics))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, http.StatusOK, "ok", nil)
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, cfg.Metrics.Handler())
	}
	r.Get("/api/recovery/{token}", h.RecoverCart)

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)

		r.Route("/api/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Post("/items", h.AddCartItem)
		})

		r.Route("/api/checkout", func(r chi.Router) {
			r.Get("/", h.GetCheckout)
			r.Post("/", h.Checkout)
		})

		r.Route("/api/orders/{orderId}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Delete("/", h.DeleteOrder)
			r.Get("/audit", h.GetOrderAudit)
			r.Get("/events", h.OrderEvents)
			r.Post("/payment", h.ProcessPayment)
			r.Get("/payments", h.ListPayments)
			r.Get("/reservations", h.GetReservations)
			r.Post("/reservations/extend", h.ExtendReservations)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(RequireOperator(cfg.OperatorIDs, h.Logger))
			r.Post("/orders/{orderId}/transition", h.TransitionOrder)
			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs/{name}/run", h.RunJob)
			r.Get("/recovery/stats", h.RecoveryStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("route not found", "NOT_FOUND"))
	})
	return r
}
