package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gliderblog/gliderblog/internal/auth"
	"github.com/gliderblog/gliderblog/internal/observability"
	"github.com/gliderblog/gliderblog/internal/platform/httpx"
	"github.com/gliderblog/gliderblog/internal/rbac"
	"github.com/gliderblog/gliderblog/internal/users"
	"github.com/gliderblog/gliderblog/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthHandler    *auth.Handler
	UsersHandler   *users.Handler
	JobHandler     *jobs.Handler
	RBACMiddleware rbac.Middleware
	CSRF           CSRFVerifier
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	perMinute := 0
	if params.Config != nil {
		perMinute = params.Config.RateLimitPerMinute
	}

	r.Group(func(r chi.Router) {
		r.Use(params.RBACMiddleware.Authenticate)

		params.AuthHandler.MountRoutes(r, RateLimit(perMinute))
		// Logout sits outside the CSRF guard so it always succeeds.
		params.AuthHandler.MountSessionRoutes(r, params.RBACMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(CSRFGuard(params.CSRF, params.Logger))
			if params.UsersHandler != nil {
				r.Route("/admin/users", params.UsersHandler.MountRoutes)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", func(r chi.Router) {
					r.Use(params.RBACMiddleware.RequireAny(rbac.ActionViewJobs))
					params.JobHandler.MountRoutes(r)
				})
			}
		})
	})

	return r
}
