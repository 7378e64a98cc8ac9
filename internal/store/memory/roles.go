package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Roles returns the role registry view of the store.
func (s *Store) Roles() roles.Repository {
	return roleRepo{s: s}
}

type roleRepo struct {
	s *Store
}

type roleTx struct {
	d   *data
	now time.Time
}

func (r roleRepo) WithTx(ctx context.Context, fn func(context.Context, roles.TxRepository) error) error {
	return r.s.write(func(d *data) error {
		return fn(ctx, &roleTx{d: d, now: r.s.now()})
	})
}

func (d *data) hydrateRole(role roles.Role) roles.Role {
	role.Permissions = d.groupCodes(role.GroupID)
	role.UsersCount = d.usersCount(role.ID)
	return role
}

func (r roleRepo) GetRole(_ context.Context, id uuid.UUID) (roles.Role, error) {
	var (
		role roles.Role
		ok   bool
	)
	r.s.read(func(d *data) {
		role, ok = d.roles[id]
		if ok {
			role = d.hydrateRole(role)
		}
	})
	if !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (r roleRepo) GetRoleByName(ctx context.Context, name string) (roles.Role, error) {
	var id uuid.UUID
	r.s.read(func(d *data) {
		for _, role := range d.roles {
			if role.Name == name {
				id = role.ID
			}
		}
	})
	if id == uuid.Nil {
		return roles.Role{}, shared.ErrNotFound
	}
	return r.GetRole(ctx, id)
}

func (r roleRepo) ListRoles(_ context.Context, f roles.ListFilters) ([]roles.Role, error) {
	var out []roles.Role
	search := strings.TrimSpace(f.Search)
	r.s.read(func(d *data) {
		for _, role := range d.roles {
			if f.IsActive != nil && role.IsActive != *f.IsActive {
				continue
			}
			if f.IsSystemRole != nil && role.IsSystemRole != *f.IsSystemRole {
				continue
			}
			if f.Level != nil && role.Level != *f.Level {
				continue
			}
			if search != "" && !containsFold(role.Name, search) && !containsFold(role.DisplayName, search) && !containsFold(role.Description, search) {
				continue
			}
			role.UsersCount = d.usersCount(role.ID)
			out = append(out, role)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

func (r roleRepo) RolePermissions(_ context.Context, groupID uuid.UUID) ([]string, error) {
	var codes []string
	r.s.read(func(d *data) { codes = d.groupCodes(groupID) })
	return codes, nil
}

func (t *roleTx) CreateGroup(_ context.Context, name string) (uuid.UUID, error) {
	return t.d.createGroup(name, t.now)
}

func (t *roleTx) LockGroupByName(_ context.Context, name string) (uuid.UUID, int, error) {
	for _, g := range t.d.groups {
		if g.Name == name {
			return g.ID, len(t.d.members[g.ID]), nil
		}
	}
	return uuid.Nil, 0, shared.ErrNotFound
}

func (t *roleTx) GroupRoleID(_ context.Context, groupID uuid.UUID) (*uuid.UUID, error) {
	role, ok := t.d.roleByGroup(groupID)
	if !ok {
		return nil, nil
	}
	return &role.ID, nil
}

func (t *roleTx) RenameGroup(_ context.Context, groupID uuid.UUID, name string) error {
	return t.d.renameGroup(groupID, name)
}

func (t *roleTx) DeleteGroup(_ context.Context, groupID uuid.UUID) error {
	return t.d.deleteGroup(groupID)
}

func (t *roleTx) InsertRole(_ context.Context, role roles.Role) (roles.Role, error) {
	if err := t.checkRoleName(uuid.Nil, role.Name); err != nil {
		return roles.Role{}, err
	}
	if _, ok := t.d.groups[role.GroupID]; !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	role.ID = uuid.New()
	role.CreatedAt = t.now
	role.UpdatedAt = t.now
	role.Permissions = nil
	t.d.roles[role.ID] = role
	return role, nil
}

func (t *roleTx) checkRoleName(id uuid.UUID, name string) error {
	for _, existing := range t.d.roles {
		if existing.Name == name && existing.ID != id {
			return duplicate("roles_name_key")
		}
	}
	return nil
}

func (t *roleTx) LockRole(_ context.Context, id uuid.UUID) (roles.Role, error) {
	role, ok := t.d.roles[id]
	if !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	return role, nil
}

func (t *roleTx) UpdateRole(_ context.Context, role roles.Role) (roles.Role, error) {
	current, ok := t.d.roles[role.ID]
	if !ok {
		return roles.Role{}, shared.ErrNotFound
	}
	if err := t.checkRoleName(role.ID, role.Name); err != nil {
		return roles.Role{}, err
	}
	role.GroupID = current.GroupID
	role.IsSystemRole = current.IsSystemRole
	role.CreatedAt = current.CreatedAt
	role.UpdatedAt = t.now
	role.Permissions = nil
	t.d.roles[role.ID] = role
	return role, nil
}

func (t *roleTx) DeleteRole(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.d.roles, id)
	for aid, a := range t.d.ledger {
		if a.RoleID == id {
			delete(t.d.ledger, aid)
		}
	}
	return nil
}

func (t *roleTx) CountActiveAssignments(_ context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	return t.d.countActive(roleID, now), nil
}

func (t *roleTx) PermissionsExist(_ context.Context, ids []uuid.UUID) (bool, error) {
	return t.d.permissionsExist(ids), nil
}

func (t *roleTx) ReplaceGroupPermissions(_ context.Context, groupID uuid.UUID, ids []uuid.UUID) error {
	return t.d.replaceGroupPermissions(groupID, ids)
}

func (t *roleTx) AddGroupPermission(_ context.Context, groupID, permissionID uuid.UUID) error {
	return t.d.addGroupPermission(groupID, permissionID)
}

func (t *roleTx) RemoveGroupPermission(_ context.Context, groupID, permissionID uuid.UUID) error {
	delete(t.d.groupPerms[groupID], permissionID)
	return nil
}
