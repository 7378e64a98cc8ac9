package roles

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	roles       map[uuid.UUID]*Role
	groups      map[uuid.UUID]string
	groupPerms  map[uuid.UUID]map[uuid.UUID]bool
	permissions map[uuid.UUID]string
	active      map[uuid.UUID]int
	members     map[uuid.UUID]int

	txError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		roles:       make(map[uuid.UUID]*Role),
		groups:      make(map[uuid.UUID]string),
		groupPerms:  make(map[uuid.UUID]map[uuid.UUID]bool),
		permissions: make(map[uuid.UUID]string),
		active:      make(map[uuid.UUID]int),
		members:     make(map[uuid.UUID]int),
	}
}

func (m *mockRepository) addPermission(code string) uuid.UUID {
	id := uuid.New()
	m.permissions[id] = code
	return id
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	return fn(ctx, &mockTxRepo{mock: m})
}

func (m *mockRepository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	out := *r
	out.Permissions, _ = m.RolePermissions(ctx, r.GroupID)
	out.UsersCount = m.active[id]
	return out, nil
}

func (m *mockRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	for id, r := range m.roles {
		if r.Name == name {
			return m.GetRole(ctx, id)
		}
	}
	return Role{}, shared.ErrNotFound
}

func (m *mockRepository) ListRoles(_ context.Context, f ListFilters) ([]Role, error) {
	var out []Role
	for _, r := range m.roles {
		if f.IsActive != nil && r.IsActive != *f.IsActive {
			continue
		}
		if f.Level != nil && r.Level != *f.Level {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

func (m *mockRepository) RolePermissions(_ context.Context, groupID uuid.UUID) ([]string, error) {
	var codes []string
	for pid := range m.groupPerms[groupID] {
		codes = append(codes, m.permissions[pid])
	}
	sort.Strings(codes)
	return codes, nil
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) CreateGroup(_ context.Context, name string) (uuid.UUID, error) {
	for _, n := range t.mock.groups {
		if n == name {
			return uuid.Nil, shared.ErrDuplicateName
		}
	}
	id := uuid.New()
	t.mock.groups[id] = name
	return id, nil
}

func (t *mockTxRepo) LockGroupByName(_ context.Context, name string) (uuid.UUID, int, error) {
	for id, n := range t.mock.groups {
		if n == name {
			return id, t.mock.members[id], nil
		}
	}
	return uuid.Nil, 0, shared.ErrNotFound
}

func (t *mockTxRepo) GroupRoleID(_ context.Context, groupID uuid.UUID) (*uuid.UUID, error) {
	for id, r := range t.mock.roles {
		if r.GroupID == groupID {
			return &id, nil
		}
	}
	return nil, nil
}

func (t *mockTxRepo) RenameGroup(_ context.Context, groupID uuid.UUID, name string) error {
	for id, n := range t.mock.groups {
		if n == name && id != groupID {
			return shared.ErrDuplicateName
		}
	}
	t.mock.groups[groupID] = name
	return nil
}

func (t *mockTxRepo) DeleteGroup(_ context.Context, groupID uuid.UUID) error {
	delete(t.mock.groups, groupID)
	delete(t.mock.groupPerms, groupID)
	return nil
}

func (t *mockTxRepo) InsertRole(_ context.Context, role Role) (Role, error) {
	role.ID = uuid.New()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	t.mock.roles[role.ID] = &role
	return role, nil
}

func (t *mockTxRepo) LockRole(_ context.Context, id uuid.UUID) (Role, error) {
	r, ok := t.mock.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return *r, nil
}

func (t *mockTxRepo) UpdateRole(_ context.Context, role Role) (Role, error) {
	role.UpdatedAt = time.Now()
	t.mock.roles[role.ID] = &role
	return role, nil
}

func (t *mockTxRepo) DeleteRole(_ context.Context, id uuid.UUID) error {
	delete(t.mock.roles, id)
	return nil
}

func (t *mockTxRepo) CountActiveAssignments(_ context.Context, roleID uuid.UUID, _ time.Time) (int, error) {
	return t.mock.active[roleID], nil
}

func (t *mockTxRepo) PermissionsExist(_ context.Context, ids []uuid.UUID) (bool, error) {
	for _, id := range ids {
		if _, ok := t.mock.permissions[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (t *mockTxRepo) ReplaceGroupPermissions(_ context.Context, groupID uuid.UUID, ids []uuid.UUID) error {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	t.mock.groupPerms[groupID] = set
	return nil
}

func (t *mockTxRepo) AddGroupPermission(_ context.Context, groupID, permissionID uuid.UUID) error {
	if t.mock.groupPerms[groupID] == nil {
		t.mock.groupPerms[groupID] = make(map[uuid.UUID]bool)
	}
	t.mock.groupPerms[groupID][permissionID] = true
	return nil
}

func (t *mockTxRepo) RemoveGroupPermission(_ context.Context, groupID, permissionID uuid.UUID) error {
	delete(t.mock.groupPerms[groupID], permissionID)
	return nil
}

type recordingLabels struct {
	roles []uuid.UUID
}

func (r *recordingLabels) Invalidate(_ context.Context, kind labels.Kind, id uuid.UUID) error {
	if kind == labels.KindRole {
		r.roles = append(r.roles, id)
	}
	return nil
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateRoleCreatesGroupAndPermissions(t *testing.T) {
	repo := newMockRepository()
	view := repo.addPermission("view_invoice")
	edit := repo.addPermission("edit_invoice")
	svc := NewService(repo, nil, nil)

	role, err := svc.CreateRole(context.Background(), CreateRoleInput{
		Name:          "billing_manager",
		Level:         3,
		PermissionIDs: []uuid.UUID{view, edit, view},
	})
	require.NoError(t, err)

	assert.Equal(t, "Billing Manager", role.DisplayName)
	assert.Equal(t, 3, role.Level)
	assert.True(t, role.IsActive)
	assert.NotEqual(t, uuid.Nil, role.GroupID)
	assert.Equal(t, "billing_manager", repo.groups[role.GroupID])
	assert.Equal(t, []string{"edit_invoice", "view_invoice"}, role.Permissions)
}

func TestCreateRoleDefaults(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	inactive := false
	role, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: " auditor ", DisplayName: "Auditor (read only)", IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "auditor", role.Name)
	assert.Equal(t, "Auditor (read only)", role.DisplayName)
	assert.Equal(t, 1, role.Level)
	assert.False(t, role.IsActive)
}

func TestCreateRoleDuplicateName(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "noc"})
	require.NoError(t, err)

	_, err = svc.CreateRole(context.Background(), CreateRoleInput{Name: "noc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrDuplicateName)
	assert.ErrorIs(t, err, shared.ErrConstraintViolation)
}

func TestCreateRoleAdoptsPlainGroupWithSameName(t *testing.T) {
	repo := newMockRepository()
	view := repo.addPermission("view_invoice")
	groupID := uuid.New()
	repo.groups[groupID] = "auditor"
	repo.groupPerms[groupID] = map[uuid.UUID]bool{view: true}
	svc := NewService(repo, nil, nil)

	role, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "auditor"})
	require.NoError(t, err)
	assert.Equal(t, groupID, role.GroupID)
	assert.Len(t, repo.groups, 1)
	assert.Equal(t, []string{"view_invoice"}, role.Permissions)
}

func TestCreateRoleRefusesGroupWithMembers(t *testing.T) {
	repo := newMockRepository()
	groupID := uuid.New()
	repo.groups[groupID] = "auditor"
	repo.members[groupID] = 2
	svc := NewService(repo, nil, nil)

	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "auditor"})
	require.ErrorIs(t, err, shared.ErrConstraintViolation)
	assert.NotErrorIs(t, err, shared.ErrDuplicateName)
	assert.Contains(t, err.Error(), "has 2 members")
	assert.Empty(t, repo.roles)
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "x", PermissionIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, repo.groups)
	assert.Empty(t, repo.roles)
}

func TestCreateRoleValidation(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	negative := -1
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: ""})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
	_, err = svc.CreateRole(context.Background(), CreateRoleInput{Name: "x", MaxAssignments: &negative})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestSetPermissionsRoundTrip(t *testing.T) {
	repo := newMockRepository()
	a, b := repo.addPermission("a"), repo.addPermission("b")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "r"})
	require.NoError(t, err)

	require.NoError(t, svc.SetPermissions(ctx, role.ID, []uuid.UUID{b, a}))
	got, err := svc.GetAllPermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, svc.SetPermissions(ctx, role.ID, nil))
	got, err = svc.GetAllPermissions(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{}, got)

	err = svc.SetPermissions(ctx, role.ID, []uuid.UUID{a, uuid.New()})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	got, _ = svc.GetAllPermissions(ctx, role.ID)
	assert.Empty(t, got)
}

func TestAddAndRemovePermissionAreIdempotent(t *testing.T) {
	repo := newMockRepository()
	a := repo.addPermission("a")
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "r"})
	require.NoError(t, err)

	require.NoError(t, svc.AddPermission(ctx, role.ID, a))
	require.NoError(t, svc.AddPermission(ctx, role.ID, a))
	got, _ := svc.GetAllPermissions(ctx, role.ID)
	assert.Equal(t, []string{"a"}, got)

	require.NoError(t, svc.RemovePermission(ctx, role.ID, a))
	require.NoError(t, svc.RemovePermission(ctx, role.ID, a))
	got, _ = svc.GetAllPermissions(ctx, role.ID)
	assert.Empty(t, got)

	assert.ErrorIs(t, svc.AddPermission(ctx, role.ID, uuid.New()), shared.ErrNotFound)
	assert.ErrorIs(t, svc.AddPermission(ctx, uuid.New(), a), shared.ErrNotFound)
}

func TestUpdateRoleRenamesGroup(t *testing.T) {
	repo := newMockRepository()
	lbl := &recordingLabels{}
	svc := NewService(repo, lbl, nil)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "support"})
	require.NoError(t, err)

	name := "support_tier2"
	level := 4
	updated, err := svc.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &name, Level: &level})
	require.NoError(t, err)
	assert.Equal(t, "support_tier2", updated.Name)
	assert.Equal(t, 4, updated.Level)
	assert.Equal(t, "support_tier2", repo.groups[role.GroupID])
	assert.Contains(t, lbl.roles, role.ID)
}

func TestUpdateSystemRoleCannotBeRenamed(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "admin", IsSystemRole: true})
	require.NoError(t, err)

	name := "root"
	_, err = svc.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &name})
	assert.ErrorIs(t, err, ErrSystemRoleRename)

	desc := "Platform administrators"
	updated, err := svc.UpdateRole(ctx, role.ID, UpdateRoleInput{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
}

func TestUpdateRoleMaxAssignments(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "r"})
	require.NoError(t, err)

	two := 2
	updated, err := svc.UpdateRole(ctx, role.ID, UpdateRoleInput{MaxAssignments: &two})
	require.NoError(t, err)
	require.NotNil(t, updated.MaxAssignments)
	assert.Equal(t, 2, *updated.MaxAssignments)

	updated, err = svc.UpdateRole(ctx, role.ID, UpdateRoleInput{ClearMaxAssignments: true})
	require.NoError(t, err)
	assert.Nil(t, updated.MaxAssignments)
}

func TestDeleteRole(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	system, err := svc.CreateRole(ctx, CreateRoleInput{Name: "super_admin", IsSystemRole: true})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.DeleteRole(ctx, system.ID), shared.ErrSystemRole)

	held, err := svc.CreateRole(ctx, CreateRoleInput{Name: "held"})
	require.NoError(t, err)
	repo.active[held.ID] = 2
	err = svc.DeleteRole(ctx, held.ID)
	assert.ErrorIs(t, err, shared.ErrConstraintViolation)

	free, err := svc.CreateRole(ctx, CreateRoleInput{Name: "free"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteRole(ctx, free.ID))
	_, err = svc.GetRole(ctx, free.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, groupLeft := repo.groups[free.GroupID]
	assert.False(t, groupLeft)

	assert.ErrorIs(t, svc.DeleteRole(ctx, uuid.New()), shared.ErrNotFound)
}

func TestListRolesOrdering(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()
	for _, in := range []CreateRoleInput{
		{Name: "support_staff", Level: 4},
		{Name: "admin", Level: 2},
		{Name: "noc_manager", Level: 3},
		{Name: "billing_manager", Level: 3},
	} {
		_, err := svc.CreateRole(ctx, in)
		require.NoError(t, err)
	}
	roles, err := svc.ListRoles(ctx, ListFilters{})
	require.NoError(t, err)
	var names []string
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"admin", "billing_manager", "noc_manager", "support_staff"}, names)
}

func TestTransactionFailureIsWrapped(t *testing.T) {
	repo := newMockRepository()
	repo.txError = errors.New("serialization failure")
	svc := NewService(repo, nil, nil)
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create role")
}

func TestDefaultDisplayName(t *testing.T) {
	assert.Equal(t, "Billing Manager", defaultDisplayName("billing_manager"))
	assert.Equal(t, "Sub Reseller Admin", defaultDisplayName("sub-reseller_admin"))
}
