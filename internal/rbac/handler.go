package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler exposes permissions, groups and direct user grants.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountPermissionRoutes registers /permissions.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/", h.listPermissions)
}

// MountGroupRoutes registers /groups.
func (h *Handler) MountGroupRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView))
		r.Get("/", h.listGroups)
		r.Get("/{id}", h.getGroup)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermGroupsEdit))
		r.Post("/", h.createGroup)
		r.Delete("/{id}", h.deleteGroup)
		r.Put("/{id}/permissions", h.setGroupPermissions)
		r.Post("/{id}/members", h.addMember)
		r.Delete("/{id}/members/{userID}", h.removeMember)
	})
}

// MountUserGrantRoutes registers /users/{id}/permissions/{permissionID}.
func (h *Handler) MountUserGrantRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsEdit))
		r.Post("/{id}/permissions/{permissionID}", h.grantUserPermission)
		r.Delete("/{id}/permissions/{permissionID}", h.revokeUserPermission)
	})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.fail(w, "list groups", err)
		return
	}
	if groups == nil {
		groups = []Group{}
	}
	httpx.JSON(w, http.StatusOK, groups)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.GetGroup(r.Context(), id)
	if err != nil {
		h.fail(w, "get group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, g)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var in CreateGroupInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	g, err := h.service.CreateGroup(r.Context(), in)
	if err != nil {
		h.fail(w, "create group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, g)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteGroup(r.Context(), id); err != nil {
		h.fail(w, "delete group", err)
		return
	}
	httpx.NoContent(w)
}

type permissionIDsRequest struct {
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

func (h *Handler) setGroupPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req permissionIDsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetGroupPermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.fail(w, "set group permissions", err)
		return
	}
	g, err := h.service.GetGroup(r.Context(), id)
	if err != nil {
		h.fail(w, "get group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, g)
}

type memberRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req memberRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.UserID == uuid.Nil {
		httpx.RespondError(w, shared.NewValidationError(map[string]string{"user_id": "is required"}))
		return
	}
	if err := h.service.AddUserToGroup(r.Context(), req.UserID, id); err != nil {
		h.fail(w, "add group member", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	userID, err := httpx.URLParamUUID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.RemoveUserFromGroup(r.Context(), userID, id); err != nil {
		h.fail(w, "remove group member", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) grantUserPermission(w http.ResponseWriter, r *http.Request) {
	userID, permID, ok := h.userPermissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.GrantUserPermission(r.Context(), userID, permID); err != nil {
		h.fail(w, "grant user permission", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) revokeUserPermission(w http.ResponseWriter, r *http.Request) {
	userID, permID, ok := h.userPermissionParams(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeUserPermission(r.Context(), userID, permID); err != nil {
		h.fail(w, "revoke user permission", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) userPermissionParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	permID, err := httpx.URLParamUUID(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, permID, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
