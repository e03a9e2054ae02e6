package order_api

import (
	"fmt"
	"net/http"

	"ms-orders/internal/apperror"
	"ms-orders/internal/utils"
)

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	kind := apperror.KindOf(err)
	switch kind {
	case apperror.Forbidden:
		return http.StatusForbidden
	case apperror.PreconditionFailed:
		return http.StatusUnprocessableEntity
	}
	switch apperror.CategoryOf(kind) {
	case apperror.CategoryValidation:
		return http.StatusBadRequest
	case apperror.CategoryNotFound:
		return http.StatusNotFound
	case apperror.CategoryPermanent, apperror.CategoryConcurrency, apperror.CategoryExhaustion:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorDetails struct {
	Retryable bool `json:"retryable,omitempty"`
	Details   any  `json:"details,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		utils.WriteJSON(w, status, utils.ErrorResponse(op+" failed", "INTERNAL_ERROR"))
		return
	}

	h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	resp := utils.ErrorResponse(err.Error(), string(apperror.KindOf(err)))
	details := apperror.DetailsOf(err)
	retryable := apperror.Retryable(err)
	if details != nil || retryable {
		resp.Details = errorDetails{Retryable: retryable, Details: details}
	}
	utils.WriteJSON(w, status, resp)
}
