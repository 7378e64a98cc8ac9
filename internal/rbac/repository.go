package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Source answers the authorization questions the Resolver asks.
type Source interface {
	EffectivePermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error)
	HasRole(ctx context.Context, userID uuid.UUID, roleName string, now time.Time) (bool, error)
	ActiveRoleNames(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error)
	CanAssignRoles(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error)
}

// Repository is the storage port of the generic group and permission system.
type Repository interface {
	Source

	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id uuid.UUID) (Permission, error)
	EnsurePermission(ctx context.Context, codename, name string) (Permission, error)

	ListGroups(ctx context.Context) ([]Group, error)
	GetGroup(ctx context.Context, id uuid.UUID) (Group, error)
	CreateGroup(ctx context.Context, name string, permissionIDs []uuid.UUID) (Group, error)
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	SetGroupPermissions(ctx context.Context, id uuid.UUID, permissionIDs []uuid.UUID) error

	AddUserToGroup(ctx context.Context, userID, groupID uuid.UUID) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID uuid.UUID) error
	IsGroupMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error)
	GrantUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error
	RevokeUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error
}

// PGRepository implements Repository on Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
	q    *Queries
}

var _ Repository = (*PGRepository)(nil)

// NewRepository builds a Postgres backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: NewQueries(pool)}
}

const effectivePermissionsSQL = `
SELECT p.codename
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
JOIN auth_group_permissions gp ON gp.group_id = r.group_id
JOIN auth_permissions p ON p.id = gp.permission_id
WHERE ur.user_id = $1 AND ur.is_active AND r.is_active
  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
UNION
SELECT p.codename
FROM user_groups ug
JOIN auth_group_permissions gp ON gp.group_id = ug.group_id
JOIN auth_permissions p ON p.id = gp.permission_id
WHERE ug.user_id = $1
  AND NOT EXISTS (SELECT 1 FROM roles r WHERE r.group_id = ug.group_id)
UNION
SELECT p.codename
FROM user_permissions up
JOIN auth_permissions p ON p.id = up.permission_id
WHERE up.user_id = $1
ORDER BY 1`

// EffectivePermissions runs the permission union for one user.
func (r *PGRepository) EffectivePermissions(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, effectivePermissionsSQL, userID, now)
	if err != nil {
		return nil, fmt.Errorf("effective permissions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// HasRole reports an effective assignment to the named role. Every role
// branch here requires the role itself to be active.
func (r *PGRepository) HasRole(ctx context.Context, userID uuid.UUID, roleName string, now time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND r.name = $2 AND ur.is_active AND r.is_active
			  AND (ur.expires_at IS NULL OR ur.expires_at > $3))`, userID, roleName, now).Scan(&ok)
	return ok, err
}

// ActiveRoleNames lists the names of effectively assigned roles.
func (r *PGRepository) ActiveRoleNames(ctx context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.is_active AND r.is_active
		  AND (ur.expires_at IS NULL OR ur.expires_at > $2)
		ORDER BY r.level, r.name`, userID, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CanAssignRoles reports whether an effective assignment carries the assigner flag.
func (r *PGRepository) CanAssignRoles(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND ur.is_active AND r.is_active AND r.can_assign_roles
			  AND (ur.expires_at IS NULL OR ur.expires_at > $2))`, userID, now).Scan(&ok)
	return ok, err
}

// ListPermissions returns every generic permission ordered by codename.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, codename, name, created_at FROM auth_permissions ORDER BY codename`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Permission, error) {
		var p Permission
		err := row.Scan(&p.ID, &p.Codename, &p.Name, &p.CreatedAt)
		return p, err
	})
}

// GetPermission fetches one permission.
func (r *PGRepository) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `SELECT id, codename, name, created_at FROM auth_permissions WHERE id = $1`, id).
		Scan(&p.ID, &p.Codename, &p.Name, &p.CreatedAt)
	if err != nil {
		return Permission{}, MapError(err)
	}
	return p, nil
}

// EnsurePermission upserts a permission by codename.
func (r *PGRepository) EnsurePermission(ctx context.Context, codename, name string) (Permission, error) {
	return r.q.EnsurePermission(ctx, codename, name)
}

const groupColumns = `
	g.id, g.name, r.id, g.created_at,
	(SELECT count(*) FROM user_groups ug WHERE ug.group_id = g.id),
	COALESCE((SELECT array_agg(p.codename ORDER BY p.codename)
	          FROM auth_group_permissions gp JOIN auth_permissions p ON p.id = gp.permission_id
	          WHERE gp.group_id = g.id), '{}')`

func scanGroup(row pgx.Row) (Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.RoleID, &g.CreatedAt, &g.MembersCount, &g.Permissions); err != nil {
		return Group{}, MapError(err)
	}
	return g, nil
}

// ListGroups returns every group ordered by name.
func (r *PGRepository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+groupColumns+` FROM auth_groups g LEFT JOIN roles r ON r.group_id = g.id ORDER BY g.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGroup fetches one group with its permission codes.
func (r *PGRepository) GetGroup(ctx context.Context, id uuid.UUID) (Group, error) {
	return scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM auth_groups g LEFT JOIN roles r ON r.group_id = g.id WHERE g.id = $1`, id))
}

// CreateGroup inserts a plain group with its initial permissions.
func (r *PGRepository) CreateGroup(ctx context.Context, name string, permissionIDs []uuid.UUID) (Group, error) {
	var id uuid.UUID
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		q := NewQueries(tx)
		ok, err := q.PermissionsExist(ctx, permissionIDs)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown permission", shared.ErrNotFound)
		}
		if id, err = q.CreateGroup(ctx, name); err != nil {
			return err
		}
		return q.ReplaceGroupPermissions(ctx, id, DedupeIDs(permissionIDs))
	})
	if err != nil {
		return Group{}, err
	}
	return r.GetGroup(ctx, id)
}

// DeleteGroup removes a group.
func (r *PGRepository) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	return r.q.DeleteGroup(ctx, id)
}

// SetGroupPermissions replaces the permissions of a group atomically.
func (r *PGRepository) SetGroupPermissions(ctx context.Context, id uuid.UUID, permissionIDs []uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		q := NewQueries(tx)
		ok, err := q.PermissionsExist(ctx, permissionIDs)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown permission", shared.ErrNotFound)
		}
		return q.ReplaceGroupPermissions(ctx, id, DedupeIDs(permissionIDs))
	})
}

// AddUserToGroup adds a direct membership.
func (r *PGRepository) AddUserToGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	return r.q.AddMember(ctx, userID, groupID)
}

// RemoveUserFromGroup drops a direct membership.
func (r *PGRepository) RemoveUserFromGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	return r.q.RemoveMember(ctx, userID, groupID)
}

// IsGroupMember reports membership.
func (r *PGRepository) IsGroupMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	return r.q.IsMember(ctx, userID, groupID)
}

// GrantUserPermission adds a direct user grant.
func (r *PGRepository) GrantUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_permissions (user_id, permission_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, permissionID)
	return MapError(err)
}

// RevokeUserPermission removes a direct user grant.
func (r *PGRepository) RevokeUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	return err
}
