// Package handler implements the HTTP endpoints of the research API.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/derril-tech/researchflow/internal/api/response"
	"github.com/derril-tech/researchflow/internal/apikey"
	"github.com/derril-tech/researchflow/internal/jobs"
	"github.com/derril-tech/researchflow/internal/store"
	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// writeError maps service errors to the error envelope. Order matters:
// the specific sentinels wrap the general ones.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.NotFound(w)
	case errors.Is(err, jobs.ErrValidation), errors.Is(err, apikey.ErrInvalid):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidDecision):
		response.Error(w, http.StatusBadRequest, "INVALID_DECISION", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotAwaitingReview):
		response.Error(w, http.StatusConflict, "NOT_AWAITING_REVIEW", "Job is not awaiting review", nil)
	case errors.Is(err, workflow.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, workflow.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", "The job was changed by another request", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
