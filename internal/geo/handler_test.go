package geo

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

func newTestRouter(t *testing.T, perms ...string) (http.Handler, *mockRepository) {
	t.Helper()
	svc, repo := seededService(t, nil)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := NewHandler(logger, svc, rbac.Middleware{Resolver: rbac.NewResolver(grantedPermissions(perms))})
	principal := shared.Principal{UserID: uuid.New(), LoginID: "support1", UserType: "support"}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), principal)))
		})
	})
	h.MountRoutes(r)
	return r, repo
}

func get(t *testing.T, h http.Handler, path string, dest any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if dest != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
	}
	return rec.Code
}

func TestGeoHandlerRoutes(t *testing.T) {
	router, repo := newTestRouter(t, shared.PermLocationsView)
	dhaka := districtByCode(t, repo, "DHA")

	var districts []District
	require.Equal(t, http.StatusOK, get(t, router, "/districts?search=syl", &districts))
	require.Len(t, districts, 1)
	assert.Equal(t, "SYL", districts[0].Code)

	var district District
	require.Equal(t, http.StatusOK, get(t, router, "/districts/"+dhaka.ID.String(), &district))
	assert.Equal(t, "Dhaka", district.Name)

	var grouped DistrictThanas
	require.Equal(t, http.StatusOK, get(t, router, "/districts/"+dhaka.ID.String()+"/thanas", &grouped))
	assert.Len(t, grouped.Thanas, 3)

	var thanas []Thana
	require.Equal(t, http.StatusOK, get(t, router, "/thanas?district="+dhaka.ID.String(), &thanas))
	assert.Len(t, thanas, 3)

	var sum Summary
	require.Equal(t, http.StatusOK, get(t, router, "/locations/summary", &sum))
	assert.Equal(t, 7, sum.TotalLocations)
}

func TestGeoHandlerErrors(t *testing.T) {
	router, _ := newTestRouter(t, shared.PermLocationsView)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/thanas?district=abc", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/districts?is_active=sometimes", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/districts/abc", nil))
	assert.Equal(t, http.StatusNotFound, get(t, router, "/districts/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, get(t, router, "/districts/"+uuid.NewString()+"/thanas", nil))
}

func TestGeoHandlerNeedsLocationsView(t *testing.T) {
	router, _ := newTestRouter(t, shared.PermUsersView)
	assert.Equal(t, http.StatusForbidden, get(t, router, "/districts", nil))
	assert.Equal(t, http.StatusForbidden, get(t, router, "/locations/summary", nil))
}
