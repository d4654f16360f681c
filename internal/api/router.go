package api

import (
	"net/http"

	mw "github.com/derril-tech/researchflow/internal/api/middleware"
	"github.com/derril-tech/researchflow/internal/api/response"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJob   http.HandlerFunc
	ListJobs    http.HandlerFunc
	GetJob      http.HandlerFunc
	UpdateJob   http.HandlerFunc
	JobStats    http.HandlerFunc
	DeleteJob   http.HandlerFunc
	StartJob    http.HandlerFunc
	CancelJob   http.HandlerFunc
	RetryJob    http.HandlerFunc
	ReviewJob   http.HandlerFunc
	Progress    http.HandlerFunc
	Stream      http.HandlerFunc
	Events      http.HandlerFunc
	Results     http.HandlerFunc
	Sources     http.HandlerFunc
	Claims      http.HandlerFunc
	Citations   http.HandlerFunc
	Artifacts   http.HandlerFunc
	Checkpoints http.HandlerFunc
	Reviews     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { response.NotFound(w) })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Get("/api/v1/jobs/stats", orNotImplemented(deps.JobStats))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Get("/api/v1/jobs/{jobID}/progress", orNotImplemented(deps.Progress))
			r.Get("/api/v1/jobs/{jobID}/stream", orNotImplemented(deps.Stream))
			r.Get("/api/v1/jobs/{jobID}/events", orNotImplemented(deps.Events))
			r.Get("/api/v1/jobs/{jobID}/results", orNotImplemented(deps.Results))
			r.Get("/api/v1/jobs/{jobID}/sources", orNotImplemented(deps.Sources))
			r.Get("/api/v1/jobs/{jobID}/claims", orNotImplemented(deps.Claims))
			r.Get("/api/v1/jobs/{jobID}/citations", orNotImplemented(deps.Citations))
			r.Get("/api/v1/jobs/{jobID}/artifacts", orNotImplemented(deps.Artifacts))
			r.Get("/api/v1/jobs/{jobID}/checkpoints", orNotImplemented(deps.Checkpoints))
			r.Get("/api/v1/jobs/{jobID}/reviews", orNotImplemented(deps.Reviews))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))

			r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
			r.Put("/api/v1/jobs/{jobID}", orNotImplemented(deps.UpdateJob))
			r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJob))
			r.Post("/api/v1/jobs/{jobID}/start", orNotImplemented(deps.StartJob))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeReview))

			r.Post("/api/v1/jobs/{jobID}/review", orNotImplemented(deps.ReviewJob))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
