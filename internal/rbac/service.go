package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Service orchestrates the generic group and permission system. Groups owned
// by roles are read-only here.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validator: validate.New()}
}

// ListPermissions returns all permissions ordered by codename.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// EnsurePermission upserts a permission by codename.
func (s *Service) EnsurePermission(ctx context.Context, codename, name string) (Permission, error) {
	codename = strings.TrimSpace(codename)
	if codename == "" {
		return Permission{}, shared.Invalid("codename required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = codename
	}
	return s.repo.EnsurePermission(ctx, codename, name)
}

// ListGroups returns all groups.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	return s.repo.ListGroups(ctx)
}

// GetGroup fetches a group by ID.
func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return s.repo.GetGroup(ctx, id)
}

// CreateGroup inserts a plain group.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (Group, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(s.validator, in); err != nil {
		return Group{}, err
	}
	g, err := s.repo.CreateGroup(ctx, in.Name, in.PermissionIDs)
	if err != nil {
		return Group{}, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// DeleteGroup removes a plain group.
func (s *Service) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	if _, err := s.plainGroup(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteGroup(ctx, id)
}

// SetGroupPermissions replaces the permissions of a plain group.
func (s *Service) SetGroupPermissions(ctx context.Context, id uuid.UUID, permissionIDs []uuid.UUID) error {
	if _, err := s.plainGroup(ctx, id); err != nil {
		return err
	}
	return s.repo.SetGroupPermissions(ctx, id, permissionIDs)
}

// AddUserToGroup adds a direct membership to a plain group.
func (s *Service) AddUserToGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	if _, err := s.plainGroup(ctx, groupID); err != nil {
		return err
	}
	return s.repo.AddUserToGroup(ctx, userID, groupID)
}

// RemoveUserFromGroup drops a direct membership from a plain group.
func (s *Service) RemoveUserFromGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	if _, err := s.plainGroup(ctx, groupID); err != nil {
		return err
	}
	return s.repo.RemoveUserFromGroup(ctx, userID, groupID)
}

// GrantUserPermission gives a user a permission outside any group.
func (s *Service) GrantUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	return s.repo.GrantUserPermission(ctx, userID, permissionID)
}

// RevokeUserPermission removes a direct grant.
func (s *Service) RevokeUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	return s.repo.RevokeUserPermission(ctx, userID, permissionID)
}

func (s *Service) plainGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	g, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if g.RoleBacked() {
		s.logger.Warn("rejected edit of role group",
			slog.String("module", "rbac"),
			slog.String("group_id", id.String()),
			slog.String("role_id", g.RoleID.String()),
		)
		return Group{}, ErrRoleGroup
	}
	return g, nil
}
