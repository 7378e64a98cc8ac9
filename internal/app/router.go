package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/auth"
	"github.com/kloudtech/ktl-billing/internal/geo"
	"github.com/kloudtech/ktl-billing/internal/observability"
	"github.com/kloudtech/ktl-billing/internal/organizations"
	"github.com/kloudtech/ktl-billing/internal/permissions"
	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/users"
	"github.com/kloudtech/ktl-billing/jobs"
)

// Pinger reports whether a backing service is reachable.
type Pinger func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Metrics        *observability.Metrics
	RequireAuth    func(http.Handler) http.Handler
	RBACMiddleware rbac.Middleware
	Readiness      map[string]Pinger

	AuthHandler          *auth.Handler
	UsersHandler         *users.Handler
	RolesHandler         *roles.Handler
	AssignmentsHandler   *assignments.Handler
	RBACHandler          *rbac.Handler
	PermissionsHandler   *permissions.Handler
	OrganizationsHandler *organizations.Handler
	GeoHandler           *geo.Handler
	JobHandler           *jobs.Handler
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Readiness, params.Logger))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		if params.RequireAuth != nil {
			r.Use(params.RequireAuth)
		}
		r.Use(params.RBACMiddleware.Memo)

		r.Route("/users", func(r chi.Router) {
			if params.UsersHandler != nil {
				params.UsersHandler.MountRoutes(r)
			}
			if params.RBACHandler != nil {
				params.RBACHandler.MountUserGrantRoutes(r)
			}
		})
		if params.UsersHandler != nil {
			r.Route("/dashboard", params.UsersHandler.MountDashboardRoutes)
		}
		r.Route("/roles", func(r chi.Router) {
			if params.AssignmentsHandler != nil {
				params.AssignmentsHandler.MountRoleRoutes(r)
			}
			if params.RolesHandler != nil {
				params.RolesHandler.MountRoutes(r)
			}
		})
		if params.AssignmentsHandler != nil {
			r.Route("/user-roles", params.AssignmentsHandler.MountRoutes)
		}
		if params.RBACHandler != nil {
			r.Route("/permissions", params.RBACHandler.MountPermissionRoutes)
			r.Route("/groups", params.RBACHandler.MountGroupRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permission-categories", params.PermissionsHandler.MountCategoryRoutes)
			r.Route("/custom-permissions", params.PermissionsHandler.MountCustomRoutes)
		}
		if params.OrganizationsHandler != nil {
			r.Route("/organizations", params.OrganizationsHandler.MountRoutes)
		}
		if params.GeoHandler != nil {
			params.GeoHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not found", "no route for "+r.URL.Path)
	})
	return r
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func readiness(checks map[string]Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		report := readyReport{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				report.Checks[name] = "unavailable"
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}
		httpx.JSON(w, status, report)
	}
}
