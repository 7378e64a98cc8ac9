package roles

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/rbac"
)

// Repository defines read access and transactional writes for roles.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context, filters ListFilters) ([]Role, error)
	RolePermissions(ctx context.Context, groupID uuid.UUID) ([]string, error)
}

// TxRepository exposes the writes that must commit together.
type TxRepository interface {
	CreateGroup(ctx context.Context, name string) (uuid.UUID, error)
	LockGroupByName(ctx context.Context, name string) (uuid.UUID, int, error)
	GroupRoleID(ctx context.Context, groupID uuid.UUID) (*uuid.UUID, error)
	RenameGroup(ctx context.Context, groupID uuid.UUID, name string) error
	DeleteGroup(ctx context.Context, groupID uuid.UUID) error

	InsertRole(ctx context.Context, role Role) (Role, error)
	LockRole(ctx context.Context, id uuid.UUID) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	CountActiveAssignments(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)

	PermissionsExist(ctx context.Context, ids []uuid.UUID) (bool, error)
	ReplaceGroupPermissions(ctx context.Context, groupID uuid.UUID, permissionIDs []uuid.UUID) error
	AddGroupPermission(ctx context.Context, groupID, permissionID uuid.UUID) error
	RemoveGroupPermission(ctx context.Context, groupID, permissionID uuid.UUID) error
}

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PGRepository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type txRepo struct {
	*rbac.Queries
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{Queries: rbac.NewQueries(tx), tx: tx})
	})
}

const roleColumns = `r.id, r.name, r.display_name, r.description, r.level, r.is_active, r.is_system_role,
	r.max_assignments, r.can_assign_roles, r.group_id, r.created_at, r.updated_at,
	(SELECT count(*) FROM user_roles ur WHERE ur.role_id = r.id AND ur.is_active)`

const returningColumns = `id, name, display_name, description, level, is_active, is_system_role,
	max_assignments, can_assign_roles, group_id, created_at, updated_at,
	(SELECT count(*) FROM user_roles ur WHERE ur.role_id = roles.id AND ur.is_active)`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.Level,
		&role.IsActive, &role.IsSystemRole, &role.MaxAssignments, &role.CanAssignRoles,
		&role.GroupID, &role.CreatedAt, &role.UpdatedAt, &role.UsersCount)
	if err != nil {
		return Role{}, rbac.MapError(err)
	}
	return role, nil
}

// GetRole fetches a role with its permission codes.
func (r *PGRepository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
	if err != nil {
		return Role{}, err
	}
	return r.withPermissions(ctx, role)
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.name = $1`, name))
	if err != nil {
		return Role{}, err
	}
	return r.withPermissions(ctx, role)
}

func (r *PGRepository) withPermissions(ctx context.Context, role Role) (Role, error) {
	perms, err := r.RolePermissions(ctx, role.GroupID)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

// ListRoles returns roles ordered by level then display name.
func (r *PGRepository) ListRoles(ctx context.Context, filters ListFilters) ([]Role, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filters.IsActive != nil {
		add("r.is_active = ?", *filters.IsActive)
	}
	if filters.IsSystemRole != nil {
		add("r.is_system_role = ?", *filters.IsSystemRole)
	}
	if filters.Level != nil {
		add("r.level = ?", *filters.Level)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		add("(r.name ILIKE ? OR r.display_name ILIKE ? OR r.description ILIKE ?)", "%"+s+"%")
	}
	query := `SELECT ` + roleColumns + ` FROM roles r`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY r.level, r.display_name`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// RolePermissions returns the sorted codenames held by a role's group.
func (r *PGRepository) RolePermissions(ctx context.Context, groupID uuid.UUID) ([]string, error) {
	return rbac.NewQueries(r.pool).GroupPermissionCodes(ctx, groupID)
}

// InsertRole stores a role whose group already exists.
func (t *txRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, display_name, description, level, is_active, is_system_role,
			max_assignments, can_assign_roles, group_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+returningColumns,
		role.Name, role.DisplayName, role.Description, role.Level, role.IsActive, role.IsSystemRole,
		role.MaxAssignments, role.CanAssignRoles, role.GroupID)
	return scanRole(row)
}

// LockRole reads a role and holds its row lock until commit.
func (t *txRepo) LockRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1 FOR UPDATE OF r`, id))
}

// UpdateRole writes every mutable column.
func (t *txRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE roles SET name = $2, display_name = $3, description = $4, level = $5, is_active = $6,
			max_assignments = $7, can_assign_roles = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+returningColumns,
		role.ID, role.Name, role.DisplayName, role.Description, role.Level, role.IsActive,
		role.MaxAssignments, role.CanAssignRoles)
	return scanRole(row)
}

// DeleteRole removes the role row. The group is removed separately.
func (t *txRepo) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return rbac.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete role: %w", rbac.MapError(pgx.ErrNoRows))
	}
	return nil
}

// CountActiveAssignments counts assignments in force at now.
func (t *txRepo) CountActiveAssignments(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM user_roles
		WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)`, roleID, now).Scan(&n)
	return n, err
}
