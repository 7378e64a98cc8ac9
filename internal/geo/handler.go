package geo

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler serves read-only location endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers /districts, /thanas and /locations on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermLocationsView))
		r.Get("/districts", h.listDistricts)
		r.Get("/districts/{id}", h.getDistrict)
		r.Get("/districts/{id}/thanas", h.districtThanas)
		r.Get("/thanas", h.listThanas)
		r.Get("/locations/summary", h.summary)
	})
}

func (h *Handler) listDistricts(w http.ResponseWriter, r *http.Request) {
	active, err := httpx.QueryBool(r, "is_active")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.ListDistricts(r.Context(), DistrictFilters{IsActive: active, Search: r.URL.Query().Get("search")})
	if err != nil {
		h.fail(w, "list districts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getDistrict(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.GetDistrict(r.Context(), id)
	if err != nil {
		h.fail(w, "get district", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) districtThanas(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.DistrictThanas(r.Context(), id)
	if err != nil {
		h.fail(w, "district thanas", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listThanas(w http.ResponseWriter, r *http.Request) {
	var (
		filters ThanaFilters
		err     error
	)
	if filters.DistrictID, err = httpx.QueryUUID(r, "district"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.IsActive, err = httpx.QueryBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.Search = r.URL.Query().Get("search")
	out, err := h.service.ListThanas(r.Context(), filters)
	if err != nil {
		h.fail(w, "list thanas", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Summary(r.Context())
	if err != nil {
		h.fail(w, "locations summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
