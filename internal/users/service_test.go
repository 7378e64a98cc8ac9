package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*User
	thanas map[uuid.UUID]uuid.UUID // thana -> district

	roles, activeRoles, permissions, customPermissions int

	// Error injection
	createError error
	countError  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:  make(map[uuid.UUID]*User),
		thanas: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockRepository) Create(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return User{}, m.createError
	}
	for _, existing := range m.users {
		if existing.LoginID == u.LoginID || strings.EqualFold(existing.Email, u.Email) {
			return User{}, shared.ErrDuplicateName
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = &u
	return u, nil
}

func (m *mockRepository) Get(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return *u, nil
}

func (m *mockRepository) FindByLogin(_ context.Context, identifier string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.LoginID == identifier || strings.EqualFold(u.Email, identifier) {
			return *u, nil
		}
	}
	return User{}, shared.ErrNotFound
}

func (m *mockRepository) List(_ context.Context, f ListFilters) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []User
	for _, u := range m.users {
		if f.UserType != nil && u.UserType != *f.UserType {
			continue
		}
		if f.IsActive != nil && u.IsActive != *f.IsActive {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(u.Name), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (m *mockRepository) Update(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return User{}, shared.ErrNotFound
	}
	u.UpdatedAt = time.Now()
	m.users[u.ID] = &u
	return u, nil
}

func (m *mockRepository) mutate(id uuid.UUID, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	fn(u)
	return nil
}

func (m *mockRepository) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return m.mutate(id, func(u *User) { u.IsActive = active })
}

func (m *mockRepository) SetPassword(_ context.Context, id uuid.UUID, hash string) error {
	return m.mutate(id, func(u *User) { u.PasswordHash = hash })
}

func (m *mockRepository) RecordLoginFailure(_ context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error {
	return m.mutate(id, func(u *User) {
		u.FailedLoginAttempts = attempts
		u.LockedUntil = lockedUntil
	})
}

func (m *mockRepository) RecordLoginSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.mutate(id, func(u *User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
		u.LastLoginAt = &at
	})
}

func (m *mockRepository) SetCredentials(_ context.Context, id uuid.UUID, c Credentials) error {
	return m.mutate(id, func(u *User) { u.Credentials = c })
}

func (m *mockRepository) ClearCredentials(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, func(u *User) { u.Credentials = Credentials{} })
}

func (m *mockRepository) ThanaInDistrict(_ context.Context, thanaID, districtID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thanas[thanaID] == districtID, nil
}

func (m *mockRepository) CountUsers(_ context.Context, activeOnly bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countError != nil {
		return 0, m.countError
	}
	n := 0
	for _, u := range m.users {
		if !activeOnly || u.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *mockRepository) CountUsersByType(context.Context) (map[UserType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[UserType]int)
	for _, u := range m.users {
		out[u.UserType]++
	}
	return out, nil
}

func (m *mockRepository) CountRoles(_ context.Context, activeOnly bool) (int, error) {
	if activeOnly {
		return m.activeRoles, nil
	}
	return m.roles, nil
}

func (m *mockRepository) CountPermissions(context.Context) (int, error) {
	return m.permissions, nil
}

func (m *mockRepository) CountCustomPermissions(context.Context, bool) (int, error) {
	return m.customPermissions, nil
}

type recordingAssigner struct {
	userID  uuid.UUID
	roleIDs []uuid.UUID
	actor   uuid.UUID
	err     error
}

func (a *recordingAssigner) AssignRoles(_ context.Context, userID uuid.UUID, roleIDs []uuid.UUID, actor uuid.UUID) error {
	a.userID, a.roleIDs, a.actor = userID, roleIDs, actor
	return a.err
}

type recordingLabels struct {
	invalidated []uuid.UUID
}

func (r *recordingLabels) Invalidate(_ context.Context, kind labels.Kind, id uuid.UUID) error {
	if kind == labels.KindUser {
		r.invalidated = append(r.invalidated, id)
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func newTestService(repo *mockRepository, assigner RoleAssigner, lbl labelInvalidator) *Service {
	svc := NewService(repo, assigner, lbl, nil)
	svc.hashCost = bcrypt.MinCost
	return svc
}

func validInput() CreateUserInput {
	return CreateUserInput{
		LoginID:         "billing01",
		Email:           "billing01@ktl.example",
		Name:            "Billing Desk",
		UserType:        TypeBillingManager,
		Password:        "s3cretpass",
		PasswordConfirm: "s3cretpass",
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateUserHashesPasswordAndAppliesDefaults(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)

	u, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, u.ID)
	assert.True(t, u.IsActive)
	assert.Equal(t, "en", u.LanguagePreference)
	assert.Equal(t, "Asia/Dhaka", u.Timezone)
	assert.NotEqual(t, "s3cretpass", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cretpass")))
	assert.Equal(t, "Billing Desk (billing01)", u.DisplayName())
}

func TestCreateUserValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateUserInput)
		field  string
	}{
		{"bad login id", func(in *CreateUserInput) { in.LoginID = "has space" }, "login_id"},
		{"bad email", func(in *CreateUserInput) { in.Email = "nope" }, "email"},
		{"short password", func(in *CreateUserInput) { in.Password, in.PasswordConfirm = "short", "short" }, "password"},
		{"confirm mismatch", func(in *CreateUserInput) { in.PasswordConfirm = "different1" }, "password_confirm"},
		{"unknown type", func(in *CreateUserInput) { in.UserType = "janitor" }, "user_type"},
		{"bad language", func(in *CreateUserInput) { in.LanguagePreference = "fr" }, "language_preference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newMockRepository(), nil, nil)
			in := validInput()
			tt.mutate(&in)

			_, err := svc.CreateUser(context.Background(), in, uuid.Nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrInvalidInput)
			var verr *shared.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestCreateUserThanaMustBelongToDistrict(t *testing.T) {
	repo := newMockRepository()
	dhaka, ctg := uuid.New(), uuid.New()
	gulshan := uuid.New()
	repo.thanas[gulshan] = dhaka
	svc := newTestService(repo, nil, nil)

	in := validInput()
	in.DistrictID = &ctg
	in.ThanaID = &gulshan
	_, err := svc.CreateUser(context.Background(), in, uuid.Nil)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	in.DistrictID = nil
	_, err = svc.CreateUser(context.Background(), in, uuid.Nil)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	in.DistrictID = &dhaka
	u, err := svc.CreateUser(context.Background(), in, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, gulshan, *u.ThanaID)
}

func TestCreateUserDuplicateLogin(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)
	_, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)

	_, err = svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrDuplicateName)
	assert.ErrorIs(t, err, shared.ErrConstraintViolation)
}

func TestCreateUserAssignsInitialRoles(t *testing.T) {
	assigner := &recordingAssigner{}
	svc := newTestService(newMockRepository(), assigner, nil)
	admin := uuid.New()
	roleID := uuid.New()

	in := validInput()
	in.RoleIDs = []uuid.UUID{roleID}
	u, err := svc.CreateUser(context.Background(), in, admin)
	require.NoError(t, err)
	assert.Equal(t, u.ID, assigner.userID)
	assert.Equal(t, []uuid.UUID{roleID}, assigner.roleIDs)
	assert.Equal(t, admin, assigner.actor)
}

func TestCreateUserReturnsUserWhenRoleAssignmentFails(t *testing.T) {
	assigner := &recordingAssigner{err: shared.ErrInactiveRole}
	svc := newTestService(newMockRepository(), assigner, nil)

	in := validInput()
	in.RoleIDs = []uuid.UUID{uuid.New()}
	u, err := svc.CreateUser(context.Background(), in, uuid.New())
	require.ErrorIs(t, err, shared.ErrInactiveRole)
	assert.NotEqual(t, uuid.Nil, u.ID)
}

func TestUpdateUserInvalidatesLabel(t *testing.T) {
	repo := newMockRepository()
	lbl := &recordingLabels{}
	svc := newTestService(repo, nil, lbl)
	u, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)

	name := "Billing Desk 2"
	updated, err := svc.UpdateUser(context.Background(), u.ID, UpdateUserInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Billing Desk 2", updated.Name)
	assert.Equal(t, []uuid.UUID{u.ID}, lbl.invalidated)

	blank := "  "
	_, err = svc.UpdateUser(context.Background(), u.ID, UpdateUserInput{Name: &blank})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.UpdateUser(context.Background(), uuid.New(), UpdateUserInput{Name: &name})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeactivateUserIsSoftAndClearsTokens(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	u, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetCredentials(context.Background(), u.ID, Credentials{AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, svc.DeactivateUser(context.Background(), u.ID))

	stored, err := svc.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Empty(t, stored.Credentials.AccessToken)
}

func TestChangePassword(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil, nil)
	u, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)

	err = svc.ChangePassword(context.Background(), u.ID, ChangePasswordInput{
		OldPassword: "wrong-pass", NewPassword: "n3wpassword", ConfirmPassword: "n3wpassword",
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	err = svc.ChangePassword(context.Background(), u.ID, ChangePasswordInput{
		OldPassword: "s3cretpass", NewPassword: "n3wpassword", ConfirmPassword: "mismatch12",
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	require.NoError(t, svc.ChangePassword(context.Background(), u.ID, ChangePasswordInput{
		OldPassword: "s3cretpass", NewPassword: "n3wpassword", ConfirmPassword: "n3wpassword",
	}))
	stored, _ := repo.Get(context.Background(), u.ID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("n3wpassword")))
}

func TestListUsersRejectsUnknownType(t *testing.T) {
	svc := newTestService(newMockRepository(), nil, nil)
	bad := UserType("janitor")
	_, _, err := svc.ListUsers(context.Background(), ListFilters{UserType: &bad})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestStats(t *testing.T) {
	repo := newMockRepository()
	repo.roles, repo.activeRoles, repo.permissions, repo.customPermissions = 5, 4, 40, 3
	svc := newTestService(repo, nil, nil)
	u, err := svc.CreateUser(context.Background(), validInput(), uuid.Nil)
	require.NoError(t, err)
	second := validInput()
	second.LoginID, second.Email, second.UserType = "noc01", "noc01@ktl.example", TypeNOCManager
	_, err = svc.CreateUser(context.Background(), second, uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateUser(context.Background(), u.ID))

	st, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalUsers)
	assert.Equal(t, 1, st.ActiveUsers)
	assert.Equal(t, 5, st.TotalRoles)
	assert.Equal(t, 4, st.ActiveRoles)
	assert.Equal(t, 40, st.TotalPermissions)
	assert.Equal(t, 3, st.ActiveCustomPermissions)
	assert.Equal(t, 1, st.UsersByType[TypeBillingManager])
	assert.Equal(t, 0, st.UsersByType[TypeAccountant])
	assert.Len(t, st.UsersByType, len(AllUserTypes()))
}

func TestStatsPropagatesErrors(t *testing.T) {
	repo := newMockRepository()
	repo.countError = errors.New("db down")
	svc := newTestService(repo, nil, nil)
	_, err := svc.Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
