package order_api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/apperror"
	"ms-orders/internal/auth"
	"ms-orders/internal/jobs"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

// TransitionOrder lets an operator move an order along the lifecycle, e.g.
// PAID -> PREPARING -> SHIPPED. The operator is recorded as the actor.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req models.TransitionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, "TransitionOrder", err)
		return
	}
	if !req.ToState.Valid() {
		h.writeError(w, "TransitionOrder", apperror.Newf(apperror.InvalidTransition, "unknown state %q", req.ToState))
		return
	}

	actor := auth.UserID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("TransitionOrder: order=%s to=%s actor=%s", orderID, req.ToState, actor))

	res, err := h.OrderService.StateMachine().Transition(r.Context(), orderID, req.ToState, req.Reason, actor)
	if err != nil {
		h.writeError(w, "TransitionOrder", err)
		return
	}
	ok(w, http.StatusOK, "order transitioned", res)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	statuses := make([]jobs.Status, 0, len(h.Jobs))
	for _, c := range h.Jobs {
		statuses = append(statuses, c.Status())
	}
	ok(w, http.StatusOK, "jobs", statuses)
}

func (h *Handler) job(name string) *jobs.Controller {
	for _, c := range h.Jobs {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// RunJob triggers one execution now. A run already in progress makes this a
// no-op reported as ran=false.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c := h.job(name)
	if c == nil {
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("no job named "+name, "JOB_NOT_FOUND"))
		return
	}

	h.Logger.LogJob(name, "manual run requested by "+auth.UserID(r.Context()))
	ran, err := c.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, "RunJob", err)
		return
	}
	ok(w, http.StatusOK, "job run", map[string]any{"ran": ran, "status": c.Status()})
}

func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidItems, err, fmt.Sprintf("%s must be an RFC3339 timestamp", key))
	}
	t = t.UTC()
	return &t, nil
}

func (h *Handler) RecoveryStats(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		h.writeError(w, "RecoveryStats", err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		h.writeError(w, "RecoveryStats", err)
		return
	}

	stats, err := h.RecoveryService.Stats(r.Context(), from, to)
	if err != nil {
		h.writeError(w, "RecoveryStats", err)
		return
	}
	ok(w, http.StatusOK, "recovery stats", stats)
}

// RecoverCart is the target of the link in a recovery email. The token is the
// only credential.
func (h *Handler) RecoverCart(w http.ResponseWriter, r *http.Request) {
	res, err := h.RecoveryService.RecoverCart(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, "RecoverCart", err)
		return
	}
	ok(w, http.StatusOK, "cart recovered", res)
}
