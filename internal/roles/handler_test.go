package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

type grantedPermissions []string

func (g grantedPermissions) EffectivePermissions(context.Context, uuid.UUID, time.Time) ([]string, error) {
	return g, nil
}
func (grantedPermissions) HasRole(context.Context, uuid.UUID, string, time.Time) (bool, error) {
	return false, nil
}
func (grantedPermissions) ActiveRoleNames(context.Context, uuid.UUID, time.Time) ([]string, error) {
	return nil, nil
}
func (grantedPermissions) CanAssignRoles(context.Context, uuid.UUID, time.Time) (bool, error) {
	return false, nil
}

func newTestRouter(repo *mockRepository, perms ...string) http.Handler {
	svc := NewService(repo, nil, nil)
	mw := rbac.Middleware{Resolver: rbac.NewResolver(grantedPermissions(perms))}
	h := NewHandler(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), svc, mw)
	principal := shared.Principal{UserID: uuid.New(), LoginID: "admin1", UserType: "admin"}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), principal)))
		})
	})
	r.Route("/roles", h.MountRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoleHandlerLifecycle(t *testing.T) {
	repo := newMockRepository()
	view := repo.addPermission("view_invoice")
	edit := repo.addPermission("edit_invoice")
	router := newTestRouter(repo, shared.PermRolesView, shared.PermRolesEdit)

	rec := doJSON(t, router, http.MethodPost, "/roles/", map[string]any{
		"name":           "billing_manager",
		"level":          3,
		"permission_ids": []uuid.UUID{view},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Billing Manager", created.DisplayName)

	rec = doJSON(t, router, http.MethodPost, "/roles/"+created.ID.String()+"/permissions/"+edit.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var perms permissionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perms))
	assert.Equal(t, []string{"edit_invoice", "view_invoice"}, perms.Permissions)

	rec = doJSON(t, router, http.MethodPut, "/roles/"+created.ID.String()+"/permissions", map[string]any{"permission_ids": []uuid.UUID{}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perms))
	assert.Equal(t, []string{}, perms.Permissions)

	rec = doJSON(t, router, http.MethodGet, "/roles/?level=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = doJSON(t, router, http.MethodDelete, "/roles/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/roles/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoleHandlerErrors(t *testing.T) {
	repo := newMockRepository()
	router := newTestRouter(repo, shared.PermRolesView, shared.PermRolesEdit)

	rec := doJSON(t, router, http.MethodPost, "/roles/", map[string]any{"name": "admin", "is_system_role": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var admin Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &admin))

	rec = doJSON(t, router, http.MethodPost, "/roles/", map[string]any{"name": "admin"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/roles/"+admin.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/roles/?level=high", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/roles/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoleHandlerRequiresEditPermission(t *testing.T) {
	router := newTestRouter(newMockRepository(), shared.PermRolesView)

	rec := doJSON(t, router, http.MethodGet, "/roles/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/roles/", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
