package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]users.User
}

func (f *fakeUsers) Get(_ context.Context, id uuid.UUID) (users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindByLogin(_ context.Context, identifier string) (users.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.LoginID == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return users.User{}, shared.ErrNotFound
}

func (f *fakeUsers) update(id uuid.UUID, fn func(*users.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return shared.ErrNotFound
	}
	fn(&u)
	f.users[id] = u
	return nil
}

func (f *fakeUsers) RecordLoginFailure(_ context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error {
	return f.update(id, func(u *users.User) {
		u.FailedLoginAttempts = attempts
		u.LockedUntil = lockedUntil
	})
}

func (f *fakeUsers) RecordLoginSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	return f.update(id, func(u *users.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
		u.LastLoginAt = &at
	})
}

func (f *fakeUsers) SetCredentials(_ context.Context, id uuid.UUID, c users.Credentials) error {
	return f.update(id, func(u *users.User) { u.Credentials = c })
}

func (f *fakeUsers) RotateCredentials(_ context.Context, id uuid.UUID, previous string, c users.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok || previous == "" || u.Credentials.RefreshToken != previous {
		return shared.ErrNotFound
	}
	u.Credentials = c
	f.users[id] = u
	return nil
}

func (f *fakeUsers) ClearCredentials(_ context.Context, id uuid.UUID) error {
	return f.update(id, func(u *users.User) { u.Credentials = users.Credentials{} })
}

type authEnv struct {
	svc     *Service
	store   *fakeUsers
	user    users.User
	mr      *miniredis.Miniredis
	now     *time.Time
	issuer  *Issuer
	revoked *RevocationList
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	user := users.User{
		ID:           uuid.New(),
		LoginID:      "billing01",
		Email:        "billing01@ktl.test",
		UserType:     users.TypeBillingManager,
		IsActive:     true,
		PasswordHash: string(hash),
	}
	store := &fakeUsers{users: map[uuid.UUID]users.User{user.ID: user}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	revoked := NewRevocationList(client, "")
	revoked.now = func() time.Time { return now }

	issuer, err := NewIssuer(IssuerConfig{Secret: "test-secret"})
	require.NoError(t, err)
	issuer.SetClock(func() time.Time { return now })

	svc := NewService(store, issuer, revoked, nil, WithClock(func() time.Time { return now }))
	return &authEnv{svc: svc, store: store, user: user, mr: mr, now: &now, issuer: issuer, revoked: revoked}
}

func (e *authEnv) stored(t *testing.T) users.User {
	t.Helper()
	u, err := e.store.Get(context.Background(), e.user.ID)
	require.NoError(t, err)
	return u
}

func TestLoginIssuesAndStoresPair(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()

	sess, err := env.svc.Login(ctx, LoginInput{Login: "billing01@ktl.test", Password: "s3cret-pass", RememberMe: true}, ClientMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, env.user.ID, sess.User.ID)
	assert.Equal(t, env.now.Add(365*24*time.Hour), sess.RefreshExpiresAt)

	stored := env.stored(t)
	assert.Equal(t, sess.AccessToken, stored.Credentials.AccessToken)
	assert.Equal(t, sess.RefreshToken, stored.Credentials.RefreshToken)
	assert.True(t, stored.Credentials.RememberMe)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.TokenValid(*env.now))

	p, err := env.svc.Authenticate(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "billing01", p.LoginID)
	assert.Equal(t, string(users.TypeBillingManager), p.UserType)
	assert.Equal(t, env.now.Add(time.Hour), p.TokenExpiresAt)
}

func TestLoginRejections(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()

	_, err := env.svc.Login(ctx, LoginInput{Login: "nobody", Password: "whatever"}, ClientMeta{})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = env.svc.Login(ctx, LoginInput{Login: "", Password: ""}, ClientMeta{})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	require.NoError(t, env.store.update(env.user.ID, func(u *users.User) { u.IsActive = false }))
	_, err = env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()
	bad := LoginInput{Login: "billing01", Password: "wrong-pass"}

	for i := 1; i <= 4; i++ {
		_, err := env.svc.Login(ctx, bad, ClientMeta{})
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		assert.Equal(t, i, env.stored(t).FailedLoginAttempts)
		assert.Nil(t, env.stored(t).LockedUntil)
	}
	_, err := env.svc.Login(ctx, bad, ClientMeta{})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	locked := env.stored(t)
	assert.Equal(t, 5, locked.FailedLoginAttempts)
	require.NotNil(t, locked.LockedUntil)
	assert.Equal(t, env.now.Add(30*time.Minute), *locked.LockedUntil)

	_, err = env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	assert.ErrorIs(t, err, shared.ErrAccountLocked)

	*env.now = env.now.Add(31 * time.Minute)
	_, err = env.svc.Login(ctx, bad, ClientMeta{})
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, 1, env.stored(t).FailedLoginAttempts)

	_, err = env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)
	cleared := env.stored(t)
	assert.Zero(t, cleared.FailedLoginAttempts)
	assert.Nil(t, cleared.LockedUntil)
}

func TestRefreshRotatesPair(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()
	first, err := env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, first.AccessToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)

	*env.now = env.now.Add(10 * time.Minute)
	second, err := env.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, second.RefreshToken, env.stored(t).Credentials.RefreshToken)

	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

// snapshotUsers serves a fixed copy of the user to Get, the way two requests
// that loaded the row before either wrote it both see the old refresh token.
type snapshotUsers struct {
	*fakeUsers
	snapshot users.User
}

func (s snapshotUsers) Get(context.Context, uuid.UUID) (users.User, error) {
	return s.snapshot, nil
}

func TestConcurrentRefreshWithSameTokenOnlyOneWins(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()
	first, err := env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)

	stale := snapshotUsers{fakeUsers: env.store, snapshot: env.stored(t)}
	svc := NewService(stale, env.issuer, env.revoked, nil, WithClock(func() time.Time { return *env.now }))

	winner, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.Equal(t, winner.RefreshToken, env.stored(t).Credentials.RefreshToken)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()
	sess, err := env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)
	p, err := env.svc.Authenticate(ctx, sess.AccessToken)
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, p))
	assert.Empty(t, env.stored(t).Credentials.AccessToken)

	_, err = env.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)

	key := "auth:revoked:" + p.TokenID
	require.True(t, env.mr.Exists(key))
	assert.Equal(t, time.Hour, env.mr.TTL(key))

	_, err = env.svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestAuthenticateRejectsDeactivatedUser(t *testing.T) {
	env := newAuthEnv(t)
	ctx := context.Background()
	sess, err := env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)

	require.NoError(t, env.store.update(env.user.ID, func(u *users.User) { u.IsActive = false }))
	_, err = env.svc.Authenticate(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

type outcomes map[string]int

func (o outcomes) RecordLogin(outcome string) { o[outcome]++ }

func TestLoginOutcomesAreRecorded(t *testing.T) {
	env := newAuthEnv(t)
	rec := outcomes{}
	WithRecorder(rec)(env.svc)
	ctx := context.Background()

	_, _ = env.svc.Login(ctx, LoginInput{Login: "ghost", Password: "x-x-x-x-x"}, ClientMeta{})
	_, _ = env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "wrong-pass"}, ClientMeta{})
	_, err := env.svc.Login(ctx, LoginInput{Login: "billing01", Password: "s3cret-pass"}, ClientMeta{})
	require.NoError(t, err)

	assert.Equal(t, outcomes{"unknown": 1, "bad_password": 1, "success": 1}, rec)
}
