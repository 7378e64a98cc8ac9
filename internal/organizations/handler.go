package organizations

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler serves organization endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers organization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermOrganizationsView, shared.PermOrganizationsEdit))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/settings", h.settings)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermOrganizationsEdit))
		r.Post("/", h.create)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var (
		filters ListFilters
		err     error
	)
	if filters.IsActive, err = httpx.QueryBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.Search = r.URL.Query().Get("search")
	filters.Page = httpx.QueryInt(r, "page", 1)
	filters.PerPage = httpx.QueryInt(r, "per_page", shared.DefaultPerPage)

	orgs, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list organizations", err)
		return
	}
	page, perPage := shared.NormalizePage(filters.Page, filters.PerPage)
	httpx.JSON(w, http.StatusOK, httpx.NewPage(orgs, page, perPage, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	org, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get organization", err)
		return
	}
	httpx.JSON(w, http.StatusOK, org)
}

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	settings, err := h.service.Settings(r.Context(), id)
	if err != nil {
		h.fail(w, "organization settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	org, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "create organization", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, org)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in UpdateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	org, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, "update organization", err)
		return
	}
	httpx.JSON(w, http.StatusOK, org)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete organization", err)
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
