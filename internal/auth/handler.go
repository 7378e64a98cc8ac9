package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// PermissionReader answers the /auth/me/permissions view.
type PermissionReader interface {
	EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error)
	GroupedPermissions(ctx context.Context, userID uuid.UUID) (map[string][]string, error)
	RoleNames(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// RateLimit bounds login attempts per client IP.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger  *slog.Logger
	service *Service
	perms   PermissionReader
	limit   RateLimit
}

// NewHandler constructs a Handler instance. A zero limit allows 10 logins a minute per IP.
func NewHandler(logger *slog.Logger, service *Service, perms PermissionReader, limit RateLimit) *Handler {
	if limit.Requests <= 0 {
		limit.Requests = 10
	}
	if limit.Window <= 0 {
		limit.Window = time.Minute
	}
	return &Handler{logger: logger, service: service, perms: perms, limit: limit}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(h.limit.Requests, h.limit.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "too many login attempts, try again later")
		}),
	)
	r.With(limiter).Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Group(func(r chi.Router) {
		r.Use(h.service.RequireAuth)
		r.Post("/logout", h.logout)
		r.Get("/me", h.me)
		r.Get("/me/permissions", h.myPermissions)
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var in LoginInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.service.Login(r.Context(), in, ClientMeta{IP: r.RemoteAddr, UserAgent: r.UserAgent()})
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, err := h.service.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		h.fail(w, "refresh", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sess)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	p, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.Logout(r.Context(), p); err != nil {
		h.fail(w, "logout", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, _ := shared.PrincipalFromContext(r.Context())
	user, err := h.service.Me(r.Context(), p)
	if err != nil {
		h.fail(w, "me", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

type permissionsView struct {
	User        string              `json:"user"`
	Permissions []string            `json:"permissions"`
	Grouped     map[string][]string `json:"grouped_permissions"`
	Roles       []string            `json:"roles"`
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	p, _ := shared.PrincipalFromContext(r.Context())
	out := permissionsView{User: p.LoginID}
	var err error
	if out.Permissions, err = h.perms.EffectivePermissions(r.Context(), p.UserID); err != nil {
		h.fail(w, "my permissions", err)
		return
	}
	if out.Grouped, err = h.perms.GroupedPermissions(r.Context(), p.UserID); err != nil {
		h.fail(w, "my permissions", err)
		return
	}
	if out.Roles, err = h.perms.RoleNames(r.Context(), p.UserID); err != nil {
		h.fail(w, "my permissions", err)
		return
	}
	if out.Permissions == nil {
		out.Permissions = []string{}
	}
	if out.Roles == nil {
		out.Roles = []string{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
