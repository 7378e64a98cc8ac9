package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

const (
	defaultLanguage = "en"
	defaultTimezone = "Asia/Dhaka"
)

// RoleAssigner grants roles to a freshly created account.
type RoleAssigner interface {
	AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, actor uuid.UUID) error
}

type labelInvalidator interface {
	Invalidate(ctx context.Context, kind labels.Kind, id uuid.UUID) error
}

// Service handles user business logic.
type Service struct {
	repo      Repository
	assigner  RoleAssigner
	labels    labelInvalidator
	logger    *slog.Logger
	validator *validator.Validate
	hashCost  int
}

// NewService builds Service instance. assigner and labels may be nil.
func NewService(repo Repository, assigner RoleAssigner, labels labelInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		assigner:  assigner,
		labels:    labels,
		logger:    logger,
		validator: validate.New(),
		hashCost:  bcrypt.DefaultCost,
	}
}

// SetRoleAssigner wires the assignment ledger after construction.
func (s *Service) SetRoleAssigner(a RoleAssigner) {
	s.assigner = a
}

// CreateUser validates and stores a new account, then grants any initial roles.
// When role assignment fails the created user is returned together with the error.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput, actor uuid.UUID) (User, error) {
	in.LoginID = strings.TrimSpace(in.LoginID)
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(s.validator, in); err != nil {
		return User{}, err
	}
	if !in.UserType.Valid() {
		return User{}, shared.NewValidationError(map[string]string{"user_type": "unknown user type"})
	}
	if err := s.checkLocation(ctx, in.DistrictID, in.ThanaID); err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{
		LoginID:            in.LoginID,
		Email:              in.Email,
		Mobile:             strings.TrimSpace(in.Mobile),
		Name:               in.Name,
		EmployeeID:         strings.TrimSpace(in.EmployeeID),
		UserType:           in.UserType,
		DistrictID:         in.DistrictID,
		ThanaID:            in.ThanaID,
		IsActive:           true,
		IsStaff:            in.IsStaff,
		LanguagePreference: valueOr(in.LanguagePreference, defaultLanguage),
		Timezone:           valueOr(in.Timezone, defaultTimezone),
		PasswordHash:       string(hash),
	}
	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info("user created",
		slog.String("event", "user_created"),
		slog.String("module", "users"),
		slog.String("user_id", created.ID.String()),
		slog.String("user_type", string(created.UserType)),
	)

	if len(in.RoleIDs) > 0 && s.assigner != nil {
		if err := s.assigner.AssignRoles(ctx, created.ID, in.RoleIDs, actor); err != nil {
			return created, fmt.Errorf("assign initial roles: %w", err)
		}
	}
	return created, nil
}

// GetUser fetches a single account.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return s.repo.Get(ctx, id)
}

// UserLabel resolves the display label of a user for the label cache.
func (s *Service) UserLabel(ctx context.Context, id uuid.UUID) (string, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.DisplayName(), nil
}

// ListUsers returns a filtered page of users.
func (s *Service) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	if filters.UserType != nil && !filters.UserType.Valid() {
		return nil, 0, shared.Invalid("unknown user type %q", *filters.UserType)
	}
	filters.Search = strings.TrimSpace(filters.Search)
	return s.repo.List(ctx, filters)
}

// UpdateUser applies a partial update.
func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, in UpdateUserInput) (User, error) {
	if err := validate.Struct(s.validator, in); err != nil {
		return User{}, err
	}
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	if in.Email != nil {
		user.Email = strings.TrimSpace(*in.Email)
	}
	if in.Mobile != nil {
		user.Mobile = strings.TrimSpace(*in.Mobile)
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return User{}, shared.NewValidationError(map[string]string{"name": "is required"})
		}
		user.Name = name
	}
	if in.EmployeeID != nil {
		user.EmployeeID = strings.TrimSpace(*in.EmployeeID)
	}
	if in.UserType != nil {
		if !in.UserType.Valid() {
			return User{}, shared.NewValidationError(map[string]string{"user_type": "unknown user type"})
		}
		user.UserType = *in.UserType
	}
	if in.DistrictID != nil {
		user.DistrictID = in.DistrictID
	}
	if in.ThanaID != nil {
		user.ThanaID = in.ThanaID
	}
	if in.IsActive != nil {
		user.IsActive = *in.IsActive
	}
	if in.IsStaff != nil {
		user.IsStaff = *in.IsStaff
	}
	if in.LanguagePreference != nil {
		user.LanguagePreference = *in.LanguagePreference
	}
	if in.Timezone != nil && strings.TrimSpace(*in.Timezone) != "" {
		user.Timezone = strings.TrimSpace(*in.Timezone)
	}
	if err := s.checkLocation(ctx, user.DistrictID, user.ThanaID); err != nil {
		return User{}, err
	}

	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	s.invalidate(ctx, updated.ID)
	return updated, nil
}

// DeactivateUser soft-deletes an account.
func (s *Service) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}
	if err := s.repo.ClearCredentials(ctx, id); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	s.invalidate(ctx, id)
	s.logger.Info("user deactivated",
		slog.String("event", "user_deactivated"),
		slog.String("module", "users"),
		slog.String("user_id", id.String()),
	)
	return nil
}

// ChangePassword verifies the current password and stores a new hash.
func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, in ChangePasswordInput) error {
	if err := validate.Struct(s.validator, in); err != nil {
		return err
	}
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.OldPassword)); err != nil {
		return shared.NewValidationError(map[string]string{"old_password": "is incorrect"})
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.SetPassword(ctx, id, string(hash))
}

// Stats gathers the dashboard counters concurrently.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { st.TotalUsers, err = s.repo.CountUsers(ctx, false); return })
	g.Go(func() (err error) { st.ActiveUsers, err = s.repo.CountUsers(ctx, true); return })
	g.Go(func() (err error) { st.TotalRoles, err = s.repo.CountRoles(ctx, false); return })
	g.Go(func() (err error) { st.ActiveRoles, err = s.repo.CountRoles(ctx, true); return })
	g.Go(func() (err error) { st.TotalPermissions, err = s.repo.CountPermissions(ctx); return })
	g.Go(func() (err error) { st.ActiveCustomPermissions, err = s.repo.CountCustomPermissions(ctx, true); return })
	g.Go(func() (err error) { st.UsersByType, err = s.repo.CountUsersByType(ctx); return })
	if err := g.Wait(); err != nil {
		return Stats{}, fmt.Errorf("dashboard stats: %w", err)
	}
	for _, t := range AllUserTypes() {
		if _, ok := st.UsersByType[t]; !ok {
			st.UsersByType[t] = 0
		}
	}
	return st, nil
}

func (s *Service) checkLocation(ctx context.Context, districtID, thanaID *uuid.UUID) error {
	if thanaID == nil {
		return nil
	}
	if districtID == nil {
		return shared.NewValidationError(map[string]string{"thana_id": "requires district_id"})
	}
	ok, err := s.repo.ThanaInDistrict(ctx, *thanaID, *districtID)
	if err != nil {
		return fmt.Errorf("check thana: %w", err)
	}
	if !ok {
		return shared.NewValidationError(map[string]string{"thana_id": "does not belong to the selected district"})
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.labels == nil {
		return
	}
	if err := s.labels.Invalidate(ctx, labels.KindUser, id); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("invalidate user label", slog.String("user_id", id.String()), slog.Any("error", err))
	}
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
