package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// RBAC returns the generic group and permission view of the store.
func (s *Store) RBAC() rbac.Repository {
	return rbacRepo{s: s}
}

type rbacRepo struct {
	s *Store
}

var _ rbac.Repository = rbacRepo{}

// effectiveRoles lists the active roles the user holds through rows in force at now.
func (d *data) effectiveRoles(userID uuid.UUID, now time.Time) []roles.Role {
	var out []roles.Role
	for _, a := range d.ledger {
		if a.UserID != userID || !a.IsEffective(now) {
			continue
		}
		if role, ok := d.roles[a.RoleID]; ok && role.IsActive {
			out = append(out, role)
		}
	}
	return out
}

func (r rbacRepo) EffectivePermissions(_ context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	codes := make(map[string]struct{})
	r.s.read(func(d *data) {
		add := func(perms set) {
			for pid := range perms {
				codes[d.permissions[pid].Codename] = struct{}{}
			}
		}
		for _, role := range d.effectiveRoles(userID, now) {
			add(d.groupPerms[role.GroupID])
		}
		for groupID, members := range d.members {
			if _, ok := members[userID]; !ok {
				continue
			}
			if _, roleBacked := d.roleByGroup(groupID); roleBacked {
				continue
			}
			add(d.groupPerms[groupID])
		}
		add(d.userPerms[userID])
	})
	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

func (r rbacRepo) HasRole(_ context.Context, userID uuid.UUID, roleName string, now time.Time) (bool, error) {
	var ok bool
	r.s.read(func(d *data) {
		for _, role := range d.effectiveRoles(userID, now) {
			if role.Name == roleName {
				ok = true
			}
		}
	})
	return ok, nil
}

func (r rbacRepo) ActiveRoleNames(_ context.Context, userID uuid.UUID, now time.Time) ([]string, error) {
	var held []roles.Role
	r.s.read(func(d *data) { held = d.effectiveRoles(userID, now) })
	sort.Slice(held, func(i, j int) bool {
		if held[i].Level != held[j].Level {
			return held[i].Level < held[j].Level
		}
		return held[i].Name < held[j].Name
	})
	names := make([]string, 0, len(held))
	for _, role := range held {
		names = append(names, role.Name)
	}
	return names, nil
}

func (r rbacRepo) CanAssignRoles(_ context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	var ok bool
	r.s.read(func(d *data) {
		for _, role := range d.effectiveRoles(userID, now) {
			if role.CanAssignRoles {
				ok = true
			}
		}
	})
	return ok, nil
}

func (r rbacRepo) ListPermissions(_ context.Context) ([]rbac.Permission, error) {
	var out []rbac.Permission
	r.s.read(func(d *data) {
		for _, p := range d.permissions {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (r rbacRepo) GetPermission(_ context.Context, id uuid.UUID) (rbac.Permission, error) {
	var (
		p  rbac.Permission
		ok bool
	)
	r.s.read(func(d *data) { p, ok = d.permissions[id] })
	if !ok {
		return rbac.Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (r rbacRepo) EnsurePermission(_ context.Context, codename, name string) (rbac.Permission, error) {
	var p rbac.Permission
	err := r.s.write(func(d *data) error {
		p = d.ensurePermission(codename, name, r.s.now())
		return nil
	})
	return p, err
}

func (d *data) ensurePermission(codename, name string, now time.Time) rbac.Permission {
	for id, existing := range d.permissions {
		if existing.Codename == codename {
			existing.Name = name
			d.permissions[id] = existing
			return existing
		}
	}
	p := rbac.Permission{ID: uuid.New(), Codename: codename, Name: name, CreatedAt: now}
	d.permissions[p.ID] = p
	return p
}

func (d *data) renamePermission(id uuid.UUID, codename, name string) error {
	p, ok := d.permissions[id]
	if !ok {
		return shared.ErrNotFound
	}
	for other, existing := range d.permissions {
		if existing.Codename == codename && other != id {
			return duplicate("auth_permissions_codename_key")
		}
	}
	p.Codename, p.Name = codename, name
	d.permissions[id] = p
	return nil
}

func (d *data) group(id uuid.UUID) (rbac.Group, bool) {
	g, ok := d.groups[id]
	if !ok {
		return rbac.Group{}, false
	}
	out := rbac.Group{
		ID:           g.ID,
		Name:         g.Name,
		Permissions:  d.groupCodes(g.ID),
		MembersCount: len(d.members[g.ID]),
		CreatedAt:    g.CreatedAt,
	}
	if role, owned := d.roleByGroup(g.ID); owned {
		roleID := role.ID
		out.RoleID = &roleID
	}
	return out, true
}

func (r rbacRepo) ListGroups(_ context.Context) ([]rbac.Group, error) {
	var out []rbac.Group
	r.s.read(func(d *data) {
		for id := range d.groups {
			g, _ := d.group(id)
			out = append(out, g)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r rbacRepo) GetGroup(_ context.Context, id uuid.UUID) (rbac.Group, error) {
	var (
		g  rbac.Group
		ok bool
	)
	r.s.read(func(d *data) { g, ok = d.group(id) })
	if !ok {
		return rbac.Group{}, shared.ErrNotFound
	}
	return g, nil
}

func (r rbacRepo) CreateGroup(ctx context.Context, name string, permissionIDs []uuid.UUID) (rbac.Group, error) {
	var id uuid.UUID
	err := r.s.write(func(d *data) error {
		if !d.permissionsExist(permissionIDs) {
			return fmt.Errorf("%w: unknown permission", shared.ErrNotFound)
		}
		var err error
		if id, err = d.createGroup(name, r.s.now()); err != nil {
			return err
		}
		return d.replaceGroupPermissions(id, rbac.DedupeIDs(permissionIDs))
	})
	if err != nil {
		return rbac.Group{}, err
	}
	return r.GetGroup(ctx, id)
}

func (r rbacRepo) DeleteGroup(_ context.Context, id uuid.UUID) error {
	return r.s.write(func(d *data) error { return d.deleteGroup(id) })
}

func (r rbacRepo) SetGroupPermissions(_ context.Context, id uuid.UUID, permissionIDs []uuid.UUID) error {
	return r.s.write(func(d *data) error {
		if !d.permissionsExist(permissionIDs) {
			return fmt.Errorf("%w: unknown permission", shared.ErrNotFound)
		}
		return d.replaceGroupPermissions(id, rbac.DedupeIDs(permissionIDs))
	})
}

func (r rbacRepo) AddUserToGroup(_ context.Context, userID, groupID uuid.UUID) error {
	return r.s.write(func(d *data) error { return d.addMember(userID, groupID) })
}

func (r rbacRepo) RemoveUserFromGroup(_ context.Context, userID, groupID uuid.UUID) error {
	return r.s.write(func(d *data) error {
		d.removeMember(userID, groupID)
		return nil
	})
}

func (r rbacRepo) IsGroupMember(_ context.Context, userID, groupID uuid.UUID) (bool, error) {
	var ok bool
	r.s.read(func(d *data) { ok = d.isMember(userID, groupID) })
	return ok, nil
}

func (r rbacRepo) GrantUserPermission(_ context.Context, userID, permissionID uuid.UUID) error {
	return r.s.write(func(d *data) error {
		if _, ok := d.users[userID]; !ok {
			return shared.ErrNotFound
		}
		if _, ok := d.permissions[permissionID]; !ok {
			return shared.ErrNotFound
		}
		if d.userPerms[userID] == nil {
			d.userPerms[userID] = make(set)
		}
		d.userPerms[userID][permissionID] = struct{}{}
		return nil
	})
}

func (r rbacRepo) RevokeUserPermission(_ context.Context, userID, permissionID uuid.UUID) error {
	return r.s.write(func(d *data) error {
		delete(d.userPerms[userID], permissionID)
		return nil
	})
}
