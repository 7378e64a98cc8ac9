package users

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// RoleNamer lists the roles in force for a user.
type RoleNamer interface {
	RoleNames(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// Handler manages user management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	roles   RoleNamer
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance. roles may be nil.
func NewHandler(logger *slog.Logger, service *Service, roles RoleNamer, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, roles: roles, rbac: rbac}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/me/password", h.changePassword)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersView))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.getUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersEdit))
		r.Post("/", h.createUser)
		r.Patch("/{id}", h.updateUser)
		r.Delete("/{id}", h.deactivateUser)
	})
}

// MountDashboardRoutes registers /dashboard.
func (h *Handler) MountDashboardRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermDashboardView)).Get("/stats", h.stats)
}

type userResponse struct {
	User
	UserTypeLabel string   `json:"user_type_label"`
	DisplayName   string   `json:"display_name"`
	Roles         []string `json:"roles,omitempty"`
}

func toResponse(u User) userResponse {
	return userResponse{User: u, UserTypeLabel: u.UserType.Label(), DisplayName: u.DisplayName()}
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	filters := ListFilters{
		RoleName: r.URL.Query().Get("role"),
		Search:   r.URL.Query().Get("search"),
		Page:     httpx.QueryInt(r, "page", 1),
		PerPage:  httpx.QueryInt(r, "per_page", 0),
	}
	if raw := r.URL.Query().Get("user_type"); raw != "" {
		t := UserType(raw)
		filters.UserType = &t
	}
	active, err := httpx.QueryBool(r, "is_active")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.IsActive = active
	filters.Page, filters.PerPage = shared.NormalizePage(filters.Page, filters.PerPage)

	users, total, err := h.service.ListUsers(r.Context(), filters)
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	items := make([]userResponse, 0, len(users))
	for _, u := range users {
		items = append(items, toResponse(u))
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(items, filters.Page, filters.PerPage, total))
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	u, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	resp := toResponse(u)
	if h.roles != nil {
		names, err := h.roles.RoleNames(r.Context(), id)
		if err != nil {
			h.fail(w, "user roles", err)
			return
		}
		resp.Roles = names
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var in CreateUserInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := shared.PrincipalFromContext(r.Context())
	u, err := h.service.CreateUser(r.Context(), in, p.UserID)
	if err != nil {
		h.fail(w, "create user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(u))
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in UpdateUserInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	u, err := h.service.UpdateUser(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(u))
}

func (h *Handler) deactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if p, ok := shared.PrincipalFromContext(r.Context()); ok && p.UserID == id {
		httpx.RespondError(w, shared.Invalid("cannot deactivate your own account"))
		return
	}
	if err := h.service.DeactivateUser(r.Context(), id); err != nil {
		h.fail(w, "deactivate user", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var in ChangePasswordInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ChangePassword(r.Context(), p.UserID, in); err != nil {
		h.fail(w, "change password", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, "dashboard stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
