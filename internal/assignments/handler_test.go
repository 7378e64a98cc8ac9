package assignments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/store/memory"
	"github.com/kloudtech/ktl-billing/internal/users"
)

type httpEnv struct {
	*env
	router http.Handler
	admin  users.User
}

// newHTTPEnv mounts the ledger routes for a principal holding the given
// direct permissions.
func newHTTPEnv(t *testing.T, perms ...string) *httpEnv {
	t.Helper()
	store := memory.New()
	e := newEnv(t, store.Assignments(), store, nil)
	admin := e.user("admin1")
	for _, code := range perms {
		p := store.AddPermission(code, code)
		require.NoError(t, store.RBAC().GrantUserPermission(context.Background(), admin.ID, p.ID))
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	mw := rbac.Middleware{Resolver: rbac.NewResolver(store.RBAC()), Logger: logger}
	h := assignments.NewHandler(logger, e.ledger, mw)
	principal := shared.Principal{UserID: admin.ID, LoginID: admin.LoginID, UserType: string(admin.UserType)}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), principal)))
		})
	})
	r.Route("/roles", h.MountRoleRoutes)
	r.Route("/user-roles", h.MountRoutes)
	return &httpEnv{env: e, router: r, admin: admin}
}

func (h *httpEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

type assignBody struct {
	Action     string                  `json:"action"`
	Created    bool                    `json:"created"`
	Revoked    int                     `json:"revoked"`
	Assignment *assignments.Assignment `json:"assignment"`
}

func TestAssignEndpoint(t *testing.T) {
	h := newHTTPEnv(t, shared.PermRolesAssign)
	u := h.user("u1")
	role := h.role(t, "billing_manager")
	payload := map[string]any{"user_id": u.ID, "role_id": role.ID}

	rec := h.do(t, http.MethodPost, "/roles/assign", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body assignBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Created)
	require.NotNil(t, body.Assignment)
	require.NotNil(t, body.Assignment.AssignedBy)
	assert.Equal(t, h.admin.ID, *body.Assignment.AssignedBy)

	rec = h.do(t, http.MethodPost, "/roles/assign", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body = assignBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Created)

	payload["action"] = "revoke"
	rec = h.do(t, http.MethodPost, "/roles/assign", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body = assignBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "revoke", body.Action)
	assert.Equal(t, 1, body.Revoked)

	payload["action"] = "promote"
	rec = h.do(t, http.MethodPost, "/roles/assign", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/roles/assign", map[string]any{"user_id": u.ID, "role_id": uuid.New()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignEndpointRejectsInactiveRole(t *testing.T) {
	h := newHTTPEnv(t, shared.PermRolesAssign)
	u := h.user("u1")
	role := h.role(t, "legacy")
	inactive := false
	_, err := h.roles.UpdateRole(context.Background(), role.ID, roles.UpdateRoleInput{IsActive: &inactive})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/roles/assign", map[string]any{"user_id": u.ID, "role_id": role.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBulkAssignEndpoint(t *testing.T) {
	h := newHTTPEnv(t, shared.PermRolesAssign)
	u1 := h.user("u1")
	u2 := h.user("u2")
	role := h.role(t, "support_staff")
	payload := map[string]any{"user_ids": []uuid.UUID{u1.ID, uuid.New(), u2.ID}, "role_id": role.ID}

	rec := h.do(t, http.MethodPost, "/roles/bulk-assign", payload, "Idempotency-Key", "bulk-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report assignments.BulkReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)
	assert.Equal(t, assignments.StatusFailed, report.Results[1].Status)

	rec = h.do(t, http.MethodPost, "/roles/bulk-assign", payload, "Idempotency-Key", "bulk-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	payload["action"] = "revoke"
	rec = h.do(t, http.MethodPost, "/roles/bulk-assign", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	report = assignments.BulkReport{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, assignments.StatusRevoked, report.Results[0].Status)
	assert.Equal(t, assignments.StatusRevoked, report.Results[2].Status)
}

func TestListAndDeleteEndpoints(t *testing.T) {
	h := newHTTPEnv(t, shared.PermRolesView, shared.PermRolesAssign)
	role := h.role(t, "noc")
	ctx := context.Background()
	var first assignments.Assignment
	for i := 0; i < 3; i++ {
		u := h.user(fmt.Sprintf("u%d", i))
		a, _, err := h.ledger.Assign(ctx, assignments.AssignRequest{UserID: u.ID, RoleID: role.ID})
		require.NoError(t, err)
		if i == 0 {
			first = a
		}
	}

	rec := h.do(t, http.MethodGet, "/user-roles/?role_id="+role.ID.String()+"&per_page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page httpx.Page[assignments.Assignment]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)

	rec = h.do(t, http.MethodGet, "/user-roles/?is_active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/user-roles/"+first.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/user-roles/"+first.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerEndpointsRequireAssigner(t *testing.T) {
	h := newHTTPEnv(t, shared.PermRolesView)
	u := h.user("u1")
	role := h.role(t, "noc")

	rec := h.do(t, http.MethodPost, "/roles/assign", map[string]any{"user_id": u.ID, "role_id": role.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/user-roles/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
