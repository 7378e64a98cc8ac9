package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Queries holds the group and permission statements shared by every module
// that mirrors into the generic permission system. It runs against a pool or
// an open transaction.
type Queries struct {
	db db.DBTX
}

// NewQueries binds the statements to a pool or transaction.
func NewQueries(conn db.DBTX) *Queries {
	return &Queries{db: conn}
}

const createGroup = `INSERT INTO auth_groups (name) VALUES ($1) RETURNING id`

// CreateGroup inserts a group and returns its id.
func (q *Queries) CreateGroup(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := q.db.QueryRow(ctx, createGroup, name).Scan(&id); err != nil {
		return uuid.Nil, MapError(err)
	}
	return id, nil
}

// RenameGroup changes a group's name.
func (q *Queries) RenameGroup(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := q.db.Exec(ctx, `UPDATE auth_groups SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteGroup removes a group together with its grants and memberships.
func (q *Queries) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM auth_groups WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ReplaceGroupPermissions swaps the whole permission set of a group.
func (q *Queries) ReplaceGroupPermissions(ctx context.Context, groupID uuid.UUID, permissionIDs []uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM auth_group_permissions WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("clear group permissions: %w", err)
	}
	if len(permissionIDs) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO auth_group_permissions (group_id, permission_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING`, groupID, permissionIDs)
	if err != nil {
		return MapError(err)
	}
	return nil
}

// AddGroupPermission grants one permission to a group. Repeats are no-ops.
func (q *Queries) AddGroupPermission(ctx context.Context, groupID, permissionID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO auth_group_permissions (group_id, permission_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, groupID, permissionID)
	return MapError(err)
}

// RemoveGroupPermission withdraws one permission from a group.
func (q *Queries) RemoveGroupPermission(ctx context.Context, groupID, permissionID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM auth_group_permissions WHERE group_id = $1 AND permission_id = $2`, groupID, permissionID)
	return err
}

// GroupPermissionCodes returns the sorted codenames granted to a group.
func (q *Queries) GroupPermissionCodes(ctx context.Context, groupID uuid.UUID) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT p.codename
		FROM auth_group_permissions gp
		JOIN auth_permissions p ON p.id = gp.permission_id
		WHERE gp.group_id = $1
		ORDER BY p.codename`, groupID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AddMember puts a user into a group. Repeats are no-ops.
func (q *Queries) AddMember(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, groupID)
	return MapError(err)
}

// RemoveMember takes a user out of a group.
func (q *Queries) RemoveMember(ctx context.Context, userID, groupID uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2`, userID, groupID)
	return err
}

// IsMember reports group membership.
func (q *Queries) IsMember(ctx context.Context, userID, groupID uuid.UUID) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_groups WHERE user_id = $1 AND group_id = $2)`, userID, groupID).Scan(&ok)
	return ok, err
}

// PermissionsExist reports whether every id names a stored permission.
func (q *Queries) PermissionsExist(ctx context.Context, ids []uuid.UUID) (bool, error) {
	ids = DedupeIDs(ids)
	if len(ids) == 0 {
		return true, nil
	}
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM auth_permissions WHERE id = ANY($1::uuid[])`, ids).Scan(&n); err != nil {
		return false, err
	}
	return n == len(ids), nil
}

// EnsurePermission returns the permission with codename, creating it when absent.
// An existing permission keeps its id and takes the new name.
func (q *Queries) EnsurePermission(ctx context.Context, codename, name string) (Permission, error) {
	var p Permission
	err := q.db.QueryRow(ctx, `
		INSERT INTO auth_permissions (codename, name) VALUES ($1, $2)
		ON CONFLICT (codename) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, codename, name, created_at`, codename, name).
		Scan(&p.ID, &p.Codename, &p.Name, &p.CreatedAt)
	if err != nil {
		return Permission{}, MapError(err)
	}
	return p, nil
}

// RenamePermission updates the codename and label of a generic permission.
func (q *Queries) RenamePermission(ctx context.Context, id uuid.UUID, codename, name string) error {
	tag, err := q.db.Exec(ctx, `UPDATE auth_permissions SET codename = $2, name = $3 WHERE id = $1`, id, codename, name)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// LockGroupByName locks the group called name and returns its id and member count.
func (q *Queries) LockGroupByName(ctx context.Context, name string) (uuid.UUID, int, error) {
	var (
		id      uuid.UUID
		members int
	)
	err := q.db.QueryRow(ctx, `
		SELECT g.id, (SELECT count(*) FROM user_groups m WHERE m.group_id = g.id)
		FROM auth_groups g WHERE g.name = $1 FOR UPDATE`, name).Scan(&id, &members)
	if err != nil {
		return uuid.Nil, 0, MapError(err)
	}
	return id, members, nil
}

// GroupRoleID returns the id of the role owning groupID, or nil for plain groups.
func (q *Queries) GroupRoleID(ctx context.Context, groupID uuid.UUID) (*uuid.UUID, error) {
	var id uuid.UUID
	err := q.db.QueryRow(ctx, `SELECT id FROM roles WHERE group_id = $1`, groupID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// MapError translates driver errors into shared sentinels.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	if constraint, ok := db.IsUniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", shared.ErrDuplicateName, constraint)
	}
	if _, ok := db.IsForeignKeyViolation(err); ok {
		return fmt.Errorf("%w: %v", shared.ErrNotFound, err)
	}
	return err
}
