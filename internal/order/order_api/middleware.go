package order_api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-orders/internal/auth"
	"ms-orders/internal/logger"
	"ms-orders/internal/metrics"
	"ms-orders/internal/utils"
)

// RequestLogger logs every request and counts it by its route pattern.
func RequestLogger(log *logger.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).Round(time.Microsecond).String())
			m.HTTPRequest(r.Method, route, status)
		})
	}
}

// RequireOperator admits only the configured operator user IDs.
func RequireOperator(operatorIDs []string, log *logger.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(operatorIDs))
	for _, id := range operatorIDs {
		allowed[id] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if _, ok := allowed[userID]; !ok {
				log.LogSecurity("FORBIDDEN", fmt.Sprintf("user %q tried %s %s", userID, r.Method, r.URL.Path))
				utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("operator access required", "FORBIDDEN"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
