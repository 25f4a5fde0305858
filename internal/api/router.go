package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kmansel/jobdispatch/internal/api/middleware"
	"github.com/kmansel/jobdispatch/internal/api/response"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	SubmitHandler    http.HandlerFunc
	StatusHandler    http.HandlerFunc
	ListHandler      http.HandlerFunc
	CancelHandler    http.HandlerFunc
	CallbackHandler  http.HandlerFunc
	SLAHandler       http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// Job submission and queries
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeSubmit))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.StatusHandler))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelHandler))
			r.Get("/api/v1/sla", orNotImplemented(deps.SLAHandler))
		})

		// Backend status callbacks
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeReport))

			r.Post("/api/v1/callbacks/status", orNotImplemented(deps.CallbackHandler))
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
