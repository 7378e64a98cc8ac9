package permissions_test

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

	"github.com/kloudtech/ktl-billing/internal/permissions"
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

func newRouter(perms ...string) http.Handler {
	svc, _ := newService()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := permissions.NewHandler(logger, svc, rbac.Middleware{Resolver: rbac.NewResolver(grantedPermissions(perms))})
	principal := shared.Principal{UserID: uuid.New(), LoginID: "admin1", UserType: "admin"}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), principal)))
		})
	})
	r.Route("/permission-categories", h.MountCategoryRoutes)
	r.Route("/custom-permissions", h.MountCustomRoutes)
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

func TestCatalogueHandlers(t *testing.T) {
	router := newRouter(shared.PermPermissionsView, shared.PermPermissionsEdit)

	rec := doJSON(t, router, http.MethodPost, "/permission-categories/", map[string]any{
		"name": "network", "display_name": "Network", "icon": "wifi",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var category permissions.Category
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &category))

	rec = doJSON(t, router, http.MethodPost, "/custom-permissions/", map[string]any{
		"codename": "noc.reboot", "name": "Reboot router", "category_id": category.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var custom permissions.CustomPermission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &custom))
	assert.Equal(t, "Network", custom.CategoryName)
	assert.NotEqual(t, uuid.Nil, custom.PermissionID)

	rec = doJSON(t, router, http.MethodGet, "/custom-permissions/?category="+category.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []permissions.CustomPermission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = doJSON(t, router, http.MethodPatch, "/custom-permissions/"+custom.ID.String(), map[string]any{"clear_category": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/permission-categories/"+category.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &category))
	assert.Equal(t, 0, category.PermissionsCount)

	rec = doJSON(t, router, http.MethodDelete, "/custom-permissions/"+custom.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/permission-categories/"+category.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/permission-categories/"+category.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogueHandlerErrors(t *testing.T) {
	router := newRouter(shared.PermPermissionsView, shared.PermPermissionsEdit)

	rec := doJSON(t, router, http.MethodPost, "/custom-permissions/", map[string]any{"codename": "Not Valid", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/custom-permissions/", map[string]any{"codename": "noc.a", "name": "A", "unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := map[string]any{"codename": "noc.a", "name": "A"}
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/custom-permissions/", body).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, router, http.MethodPost, "/custom-permissions/", body).Code)

	rec = doJSON(t, router, http.MethodGet, "/custom-permissions/?category=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogueRequiresEditPermission(t *testing.T) {
	router := newRouter(shared.PermPermissionsView)

	rec := doJSON(t, router, http.MethodGet, "/custom-permissions/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/permission-categories/", map[string]any{"name": "x", "display_name": "X"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
