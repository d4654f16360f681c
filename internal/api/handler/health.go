package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/derril-tech/researchflow/internal/api/response"
)

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// NewHealthHandler checks every named dependency. Any failure reports the
// service as degraded with a 503.
func NewHealthHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		degraded := false
		for name, check := range checks {
			results[name] = "ok"
			if err := check(ctx); err != nil {
				results[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", results)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": results,
		})
	}
}
