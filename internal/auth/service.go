package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

// Login lockout defaults.
const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 30 * time.Minute
)

// UserStore is the slice of the identity store the auth flows need.
type UserStore interface {
	Get(ctx context.Context, id uuid.UUID) (users.User, error)
	FindByLogin(ctx context.Context, identifier string) (users.User, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCredentials(ctx context.Context, id uuid.UUID, creds users.Credentials) error
	RotateCredentials(ctx context.Context, id uuid.UUID, previous string, creds users.Credentials) error
	ClearCredentials(ctx context.Context, id uuid.UUID) error
}

// Revoker tracks revoked access token ids.
type Revoker interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// LoginRecorder counts login outcomes.
type LoginRecorder interface {
	RecordLogin(outcome string)
}

// LoginInput carries credentials posted to /auth/login.
type LoginInput struct {
	Login      string `json:"login_id"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// ClientMeta describes where a login came from.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Session is the login and refresh response.
type Session struct {
	Pair
	User users.User `json:"user"`
}

// Option customises Service.
type Option func(*Service)

// WithLockout overrides the failed attempt threshold and lock duration.
func WithLockout(maxAttempts int, lockout time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if lockout > 0 {
			s.lockout = lockout
		}
	}
}

// WithRecorder reports login outcomes to r.
func WithRecorder(r LoginRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service wraps authentication business rules.
type Service struct {
	users       UserStore
	issuer      *Issuer
	revoked     Revoker
	recorder    LoginRecorder
	logger      *slog.Logger
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

// NewService constructs a new Service.
func NewService(store UserStore, issuer *Issuer, revoked Revoker, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if revoked == nil {
		revoked = NewRevocationList(nil, "")
	}
	s := &Service{
		users:       store,
		issuer:      issuer,
		revoked:     revoked,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		lockout:     DefaultLockout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login checks credentials by login id or email and issues a token pair.
func (s *Service) Login(ctx context.Context, in LoginInput, meta ClientMeta) (Session, error) {
	login := strings.TrimSpace(in.Login)
	if login == "" || in.Password == "" {
		return Session{}, shared.NewValidationError(map[string]string{"login_id": "login id and password are required"})
	}
	user, err := s.users.FindByLogin(ctx, login)
	if errors.Is(err, shared.ErrNotFound) {
		s.logAttempt(login, meta, "unknown")
		return Session{}, shared.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if !user.IsActive {
		s.logAttempt(login, meta, "inactive")
		return Session{}, shared.ErrInvalidCredentials
	}
	now := s.now().UTC()
	if user.IsLocked(now) {
		s.logAttempt(login, meta, "locked")
		return Session{}, shared.ErrAccountLocked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return Session{}, s.recordFailure(ctx, user, now, meta)
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	pair, err := s.store(ctx, user, in.RememberMe)
	if err != nil {
		return Session{}, err
	}
	user.FailedLoginAttempts, user.LockedUntil, user.LastLoginAt = 0, nil, &now
	s.record("success")
	s.logger.Info("login succeeded",
		slog.String("module", "auth"),
		slog.String("user_id", user.ID.String()),
		slog.String("ip", meta.IP),
		slog.Bool("remember_me", in.RememberMe),
	)
	return Session{Pair: pair, User: user}, nil
}

// recordFailure bumps the counter and locks the account once it reaches the
// threshold. Counting restarts after an expired lock.
func (s *Service) recordFailure(ctx context.Context, user users.User, now time.Time, meta ClientMeta) error {
	attempts := user.FailedLoginAttempts
	if user.LockedUntil != nil {
		attempts = 0
	}
	attempts++
	var lockedUntil *time.Time
	if attempts >= s.maxAttempts {
		until := now.Add(s.lockout)
		lockedUntil = &until
	}
	if err := s.users.RecordLoginFailure(ctx, user.ID, attempts, lockedUntil); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	outcome := "bad_password"
	if lockedUntil != nil {
		outcome = "locked_now"
	}
	s.logAttempt(user.LoginID, meta, outcome)
	return shared.ErrInvalidCredentials
}

// Refresh exchanges the stored refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.issuer.Parse(refreshToken, KindRefresh)
	if err != nil {
		return Session{}, shared.ErrUnauthorized
	}
	userID, _ := claims.UserID()
	user, err := s.users.Get(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		return Session{}, shared.ErrUnauthorized
	}
	if err != nil {
		return Session{}, fmt.Errorf("refresh: %w", err)
	}
	if !user.IsActive || user.Credentials.RefreshToken == "" || user.Credentials.RefreshToken != refreshToken {
		return Session{}, shared.ErrUnauthorized
	}
	pair, err := s.issuer.Issue(user.ID, string(user.UserType), user.Credentials.RememberMe)
	if err != nil {
		return Session{}, err
	}
	// Only one caller can swap out a given refresh token.
	err = s.users.RotateCredentials(ctx, user.ID, refreshToken, credentialsFor(pair, user.Credentials.RememberMe))
	if errors.Is(err, shared.ErrNotFound) {
		return Session{}, shared.ErrUnauthorized
	}
	if err != nil {
		return Session{}, fmt.Errorf("refresh: store credentials: %w", err)
	}
	return Session{Pair: pair, User: user}, nil
}

func (s *Service) store(ctx context.Context, user users.User, rememberMe bool) (Pair, error) {
	pair, err := s.issuer.Issue(user.ID, string(user.UserType), rememberMe)
	if err != nil {
		return Pair{}, err
	}
	if err := s.users.SetCredentials(ctx, user.ID, credentialsFor(pair, rememberMe)); err != nil {
		return Pair{}, fmt.Errorf("store credentials: %w", err)
	}
	return pair, nil
}

func credentialsFor(pair Pair, rememberMe bool) users.Credentials {
	return users.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		CreatedAt:    &pair.IssuedAt,
		ExpiresAt:    &pair.ExpiresAt,
		RememberMe:   rememberMe,
	}
}

// Logout clears the stored pair and revokes the access token in use.
func (s *Service) Logout(ctx context.Context, p shared.Principal) error {
	if err := s.users.ClearCredentials(ctx, p.UserID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if err := s.revoked.Revoke(ctx, p.TokenID, p.TokenExpiresAt); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.logger.Info("logout", slog.String("module", "auth"), slog.String("user_id", p.UserID.String()))
	return nil
}

// Authenticate resolves a bearer access token to a principal.
func (s *Service) Authenticate(ctx context.Context, bearer string) (shared.Principal, error) {
	claims, err := s.issuer.Parse(bearer, KindAccess)
	if err != nil {
		return shared.Principal{}, shared.ErrUnauthorized
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return shared.Principal{}, err
	}
	if revoked {
		return shared.Principal{}, shared.ErrUnauthorized
	}
	userID, _ := claims.UserID()
	user, err := s.users.Get(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.Principal{}, shared.ErrUnauthorized
	}
	if err != nil {
		return shared.Principal{}, fmt.Errorf("authenticate: %w", err)
	}
	if !user.IsActive {
		return shared.Principal{}, shared.ErrUnauthorized
	}
	return shared.Principal{
		UserID:         user.ID,
		LoginID:        user.LoginID,
		UserType:       string(user.UserType),
		TokenID:        claims.ID,
		TokenExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Me returns the account behind the principal.
func (s *Service) Me(ctx context.Context, p shared.Principal) (users.User, error) {
	return s.users.Get(ctx, p.UserID)
}

func (s *Service) record(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordLogin(outcome)
	}
}

func (s *Service) logAttempt(login string, meta ClientMeta, outcome string) {
	s.record(outcome)
	s.logger.Warn("login rejected",
		slog.String("module", "auth"),
		slog.String("login_id", login),
		slog.String("ip", meta.IP),
		slog.String("user_agent", meta.UserAgent),
		slog.String("outcome", outcome),
	)
}
