package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

type labelInvalidator interface {
	Invalidate(ctx context.Context, kind labels.Kind, id uuid.UUID) error
}

// Service handles role business logic. Each role owns one group, created and
// removed in the same transaction as the role itself.
type Service struct {
	repo      Repository
	labels    labelInvalidator
	logger    *slog.Logger
	validator *validator.Validate
	now       func() time.Time
}

// NewService builds Service instance. labels may be nil.
func NewService(repo Repository, labels labelInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, labels: labels, logger: logger, validator: validate.New(), now: time.Now}
}

// CreateRole stores a role, its group and its initial permissions atomically.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validate.Struct(s.validator, in); err != nil {
		return Role{}, err
	}
	role := Role{
		Name:           in.Name,
		DisplayName:    in.DisplayName,
		Description:    strings.TrimSpace(in.Description),
		Level:          in.Level,
		IsActive:       true,
		IsSystemRole:   in.IsSystemRole,
		MaxAssignments: in.MaxAssignments,
		CanAssignRoles: in.CanAssignRoles,
	}
	if role.DisplayName == "" {
		role.DisplayName = defaultDisplayName(role.Name)
	}
	if role.Level == 0 {
		role.Level = 1
	}
	if in.IsActive != nil {
		role.IsActive = *in.IsActive
	}
	permissionIDs := rbac.DedupeIDs(in.PermissionIDs)

	var created Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requirePermissions(ctx, tx, permissionIDs); err != nil {
			return err
		}
		groupID, err := roleGroup(ctx, tx, role.Name)
		if err != nil {
			return err
		}
		role.GroupID = groupID
		if created, err = tx.InsertRole(ctx, role); err != nil {
			return err
		}
		if len(permissionIDs) == 0 {
			return nil
		}
		return tx.ReplaceGroupPermissions(ctx, groupID, permissionIDs)
	})
	if err != nil {
		return Role{}, fmt.Errorf("create role: %w", err)
	}
	s.logger.Info("role created",
		slog.String("event", "role_created"),
		slog.String("module", "roles"),
		slog.String("role_id", created.ID.String()),
		slog.String("name", created.Name),
		slog.Int("permissions", len(permissionIDs)),
	)
	s.invalidate(ctx, created.ID)
	return s.repo.GetRole(ctx, created.ID)
}

// roleGroup returns the group a new role will own. A plain group already
// carrying the name is adopted with its permissions; it must have no members,
// since role group membership is driven only by the assignment ledger.
func roleGroup(ctx context.Context, tx TxRepository, name string) (uuid.UUID, error) {
	id, members, err := tx.LockGroupByName(ctx, name)
	if errors.Is(err, shared.ErrNotFound) {
		return tx.CreateGroup(ctx, name)
	}
	if err != nil {
		return uuid.Nil, err
	}
	owner, err := tx.GroupRoleID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if owner != nil {
		return uuid.Nil, fmt.Errorf("%w: group %q already backs role %s", shared.ErrDuplicateName, name, *owner)
	}
	if members > 0 {
		return uuid.Nil, fmt.Errorf("%w: group %q has %d members and cannot back a role", shared.ErrConstraintViolation, name, members)
	}
	return id, nil
}

// GetRole fetches a role with its permissions.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetRoleByName fetches a role by its unique name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, strings.TrimSpace(name))
}

// ListRoles returns roles ordered by level then display name.
func (s *Service) ListRoles(ctx context.Context, filters ListFilters) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx, filters)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []Role{}
	}
	return roles, nil
}

// UpdateRole applies a partial update. A rename carries over to the group.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, in UpdateRoleInput) (Role, error) {
	if err := validate.Struct(s.validator, in); err != nil {
		return Role{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return shared.NewValidationError(map[string]string{"name": "is required"})
			}
			if name != role.Name {
				if role.IsSystemRole {
					return ErrSystemRoleRename
				}
				if err := tx.RenameGroup(ctx, role.GroupID, name); err != nil {
					return err
				}
				role.Name = name
			}
		}
		if in.DisplayName != nil {
			role.DisplayName = strings.TrimSpace(*in.DisplayName)
			if role.DisplayName == "" {
				role.DisplayName = defaultDisplayName(role.Name)
			}
		}
		if in.Description != nil {
			role.Description = strings.TrimSpace(*in.Description)
		}
		if in.Level != nil {
			role.Level = *in.Level
		}
		if in.IsActive != nil {
			role.IsActive = *in.IsActive
		}
		if in.ClearMaxAssignments {
			role.MaxAssignments = nil
		} else if in.MaxAssignments != nil {
			role.MaxAssignments = in.MaxAssignments
		}
		if in.CanAssignRoles != nil {
			role.CanAssignRoles = *in.CanAssignRoles
		}
		_, err = tx.UpdateRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, fmt.Errorf("update role: %w", err)
	}
	s.invalidate(ctx, id)
	return s.repo.GetRole(ctx, id)
}

// DeleteRole removes a custom role that nobody currently holds, along with its group.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystemRole {
			return shared.ErrSystemRole
		}
		active, err := tx.CountActiveAssignments(ctx, id, s.now())
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: role has %d active assignments", shared.ErrConstraintViolation, active)
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return err
		}
		return tx.DeleteGroup(ctx, role.GroupID)
	})
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	s.logger.Info("role deleted",
		slog.String("event", "role_deleted"),
		slog.String("module", "roles"),
		slog.String("role_id", id.String()),
	)
	s.invalidate(ctx, id)
	return nil
}

// SetPermissions replaces the role's permission set. An empty list clears it.
func (s *Service) SetPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	permissionIDs = rbac.DedupeIDs(permissionIDs)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if err := requirePermissions(ctx, tx, permissionIDs); err != nil {
			return err
		}
		return tx.ReplaceGroupPermissions(ctx, role.GroupID, permissionIDs)
	})
	if err != nil {
		return fmt.Errorf("set role permissions: %w", err)
	}
	s.invalidate(ctx, roleID)
	return nil
}

// AddPermission grants one more permission to the role.
func (s *Service) AddPermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if err := requirePermissions(ctx, tx, []uuid.UUID{permissionID}); err != nil {
			return err
		}
		return tx.AddGroupPermission(ctx, role.GroupID, permissionID)
	})
	if err != nil {
		return fmt.Errorf("add role permission: %w", err)
	}
	s.invalidate(ctx, roleID)
	return nil
}

// RemovePermission withdraws one permission from the role.
func (s *Service) RemovePermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		return tx.RemoveGroupPermission(ctx, role.GroupID, permissionID)
	})
	if err != nil {
		return fmt.Errorf("remove role permission: %w", err)
	}
	s.invalidate(ctx, roleID)
	return nil
}

// GetAllPermissions returns the sorted permission codes of the role's group.
func (s *Service) GetAllPermissions(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	codes, err := s.repo.RolePermissions(ctx, role.GroupID)
	if err != nil {
		return nil, err
	}
	if codes == nil {
		codes = []string{}
	}
	return codes, nil
}

// RoleLabel resolves the display label of a role for the label cache.
func (s *Service) RoleLabel(ctx context.Context, id uuid.UUID) (string, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return "", err
	}
	return role.Label(), nil
}

func requirePermissions(ctx context.Context, tx TxRepository, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ok, err := tx.PermissionsExist(ctx, ids)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown permission", shared.ErrNotFound)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.labels == nil {
		return
	}
	if err := s.labels.Invalidate(ctx, labels.KindRole, id); err != nil {
		s.logger.Warn("invalidate role label", slog.String("role_id", id.String()), slog.Any("error", err))
	}
}
