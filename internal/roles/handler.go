package roles

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/permissions", h.getPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.setPermissions)
		r.Post("/{id}/permissions/{permissionID}", h.addPermission)
		r.Delete("/{id}/permissions/{permissionID}", h.removePermission)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	var filters ListFilters
	var err error
	if filters.IsActive, err = httpx.QueryBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.IsSystemRole, err = httpx.QueryBool(r, "is_system_role"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			httpx.RespondError(w, shared.Invalid("invalid level %q", raw))
			return
		}
		filters.Level = &level
	}
	filters.Search = r.URL.Query().Get("search")

	roles, err := h.service.ListRoles(r.Context(), filters)
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in UpdateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	httpx.NoContent(w)
}

type permissionsResponse struct {
	RoleID      uuid.UUID `json:"role_id"`
	Permissions []string  `json:"permissions"`
}

func (h *Handler) getPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.writePermissions(w, r, id)
}

func (h *Handler) writePermissions(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	codes, err := h.service.GetAllPermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{RoleID: id, Permissions: codes})
}

type setPermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetPermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	h.writePermissions(w, r, id)
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	id, permID, ok := h.permissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.AddPermission(r.Context(), id, permID); err != nil {
		h.fail(w, "add role permission", err)
		return
	}
	h.writePermissions(w, r, id)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	id, permID, ok := h.permissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.RemovePermission(r.Context(), id, permID); err != nil {
		h.fail(w, "remove role permission", err)
		return
	}
	h.writePermissions(w, r, id)
}

func (h *Handler) permissionParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	permID, err := httpx.URLParamUUID(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return id, permID, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
