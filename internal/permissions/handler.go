package permissions

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler serves the permission catalogue.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountCategoryRoutes registers /permission-categories.
func (h *Handler) MountCategoryRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/", h.listCategories)
	r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/{id}", h.getCategory)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermPermissionsEdit))
		r.Post("/", h.createCategory)
		r.Patch("/{id}", h.updateCategory)
		r.Delete("/{id}", h.deleteCategory)
	})
}

// MountCustomRoutes registers /custom-permissions.
func (h *Handler) MountCustomRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/", h.listCustom)
	r.With(h.rbac.RequireAny(shared.PermPermissionsView)).Get("/{id}", h.getCustom)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermPermissionsEdit))
		r.Post("/", h.createCustom)
		r.Patch("/{id}", h.updateCustom)
		r.Delete("/{id}", h.deleteCustom)
	})
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListCategories(r.Context())
	if err != nil {
		h.fail(w, "list categories", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getCategory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.GetCategory(r.Context(), id)
	if err != nil {
		h.fail(w, "get category", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	var in CategoryInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.CreateCategory(r.Context(), in)
	if err != nil {
		h.fail(w, "create category", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) updateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in CategoryPatch
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.UpdateCategory(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update category", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) deleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteCategory(r.Context(), id); err != nil {
		h.fail(w, "delete category", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listCustom(w http.ResponseWriter, r *http.Request) {
	var (
		filters CustomFilters
		err     error
	)
	if filters.IsActive, err = httpx.QueryBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.IsSystemPermission, err = httpx.QueryBool(r, "is_system_permission"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.CategoryID, err = httpx.QueryUUID(r, "category"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.Search = r.URL.Query().Get("search")

	out, err := h.service.ListCustom(r.Context(), filters)
	if err != nil {
		h.fail(w, "list custom permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getCustom(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.GetCustom(r.Context(), id)
	if err != nil {
		h.fail(w, "get custom permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) createCustom(w http.ResponseWriter, r *http.Request) {
	var in CustomInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.CreateCustom(r.Context(), in)
	if err != nil {
		h.fail(w, "create custom permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) updateCustom(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in CustomPatch
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.UpdateCustom(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update custom permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deleteCustom(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteCustom(r.Context(), id); err != nil {
		h.fail(w, "delete custom permission", err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
