package assignments

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Handler exposes the assignment ledger over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoleRoutes registers the assign endpoints on the /roles router.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRoleAssigner())
		r.Post("/assign", h.assign)
		r.Post("/bulk-assign", h.bulkAssign)
	})
}

// MountRoutes registers the ledger endpoints on the /user-roles router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermRolesView, shared.PermRolesAssign)).Get("/", h.list)
	r.With(h.rbac.RequireRoleAssigner()).Delete("/{id}", h.delete)
}

type assignRequest struct {
	UserID    uuid.UUID  `json:"user_id"`
	RoleID    uuid.UUID  `json:"role_id"`
	Action    string     `json:"action"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type assignResponse struct {
	Action     string      `json:"action"`
	Created    bool        `json:"created"`
	Revoked    int         `json:"revoked"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := actorFrom(r)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "assign":
		a, created, err := h.service.Assign(r.Context(), AssignRequest{
			UserID:     req.UserID,
			RoleID:     req.RoleID,
			AssignedBy: actor,
			Reason:     req.Reason,
			ExpiresAt:  req.ExpiresAt,
		})
		if err != nil {
			h.fail(w, "assign role", err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		httpx.JSON(w, status, assignResponse{Action: "assign", Created: created, Assignment: &a})
	case "revoke":
		n, err := h.service.Revoke(r.Context(), RevokeRequest{
			UserID:    req.UserID,
			RoleID:    req.RoleID,
			RevokedBy: actor,
			Reason:    req.Reason,
		})
		if err != nil {
			h.fail(w, "revoke role", err)
			return
		}
		httpx.JSON(w, http.StatusOK, assignResponse{Action: "revoke", Revoked: n})
	default:
		httpx.RespondError(w, shared.NewValidationError(map[string]string{"action": "must be one of assign revoke"}))
	}
}

type bulkRequest struct {
	UserIDs   []uuid.UUID `json:"user_ids"`
	RoleID    uuid.UUID   `json:"role_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason"`
	ExpiresAt *time.Time  `json:"expires_at"`
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := BulkRequest{
		UserIDs:        req.UserIDs,
		RoleID:         req.RoleID,
		Actor:          actorFrom(r),
		Reason:         req.Reason,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	var (
		report BulkReport
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "assign":
		report, err = h.service.BulkAssign(r.Context(), in)
	case "revoke":
		report, err = h.service.BulkRevoke(r.Context(), in)
	default:
		httpx.RespondError(w, shared.NewValidationError(map[string]string{"action": "must be one of assign revoke"}))
		return
	}
	if err != nil {
		h.fail(w, "bulk assign", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var (
		filters ListFilters
		err     error
	)
	if filters.UserID, err = httpx.QueryUUID(r, "user_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.RoleID, err = httpx.QueryUUID(r, "role_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filters.IsActive, err = httpx.QueryBool(r, "is_active"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.Page, filters.PerPage = shared.NormalizePage(httpx.QueryInt(r, "page", 1), httpx.QueryInt(r, "per_page", 20))

	rows, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(rows, filters.Page, filters.PerPage, total))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLParamUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, "delete assignment", err)
		return
	}
	httpx.NoContent(w)
}

func actorFrom(r *http.Request) *uuid.UUID {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		return nil
	}
	id := p.UserID
	return &id
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.IsServerError(err) {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
