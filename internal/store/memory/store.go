// Package memory is an in-process implementation of the role, ledger,
// permission and catalogue repositories. Writes made inside WithTx are
// rolled back when the callback fails. Tx callbacks must only use the tx
// handle they are given: the store lock is held for the whole callback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/permissions"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

type set map[uuid.UUID]struct{}

func (s set) clone() set {
	out := make(set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

type group struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

type data struct {
	users       map[uuid.UUID]users.User
	permissions map[uuid.UUID]rbac.Permission
	groups      map[uuid.UUID]group
	groupPerms  map[uuid.UUID]set // group -> permissions
	members     map[uuid.UUID]set // group -> users
	userPerms   map[uuid.UUID]set // user -> permissions
	roles       map[uuid.UUID]roles.Role
	ledger      map[uuid.UUID]assignments.Assignment
	categories  map[uuid.UUID]permissions.Category
	custom      map[uuid.UUID]permissions.CustomPermission
}

func newData() *data {
	return &data{
		users:       make(map[uuid.UUID]users.User),
		permissions: make(map[uuid.UUID]rbac.Permission),
		groups:      make(map[uuid.UUID]group),
		groupPerms:  make(map[uuid.UUID]set),
		members:     make(map[uuid.UUID]set),
		userPerms:   make(map[uuid.UUID]set),
		roles:       make(map[uuid.UUID]roles.Role),
		ledger:      make(map[uuid.UUID]assignments.Assignment),
		categories:  make(map[uuid.UUID]permissions.Category),
		custom:      make(map[uuid.UUID]permissions.CustomPermission),
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.permissions {
		out.permissions[k] = v
	}
	for k, v := range d.groups {
		out.groups[k] = v
	}
	for k, v := range d.groupPerms {
		out.groupPerms[k] = v.clone()
	}
	for k, v := range d.members {
		out.members[k] = v.clone()
	}
	for k, v := range d.userPerms {
		out.userPerms[k] = v.clone()
	}
	for k, v := range d.roles {
		out.roles[k] = v
	}
	for k, v := range d.ledger {
		out.ledger[k] = v
	}
	for k, v := range d.categories {
		out.categories[k] = v
	}
	for k, v := range d.custom {
		out.custom[k] = v
	}
	return out
}

// Store holds every table in memory behind one mutex.
type Store struct {
	mu  sync.Mutex
	d   *data
	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{d: newData(), now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) read(fn func(d *data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.d)
}

func (s *Store) write(fn func(d *data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.d.clone()
	if err := fn(s.d); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

// AddUser stores a user, filling in the id and timestamps when missing.
func (s *Store) AddUser(u users.User) users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
	}
	s.d.users[u.ID] = u
	return u
}

// SetUserActive flips a user's active flag.
func (s *Store) SetUserActive(id uuid.UUID, active bool) error {
	return s.write(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return shared.ErrNotFound
		}
		u.IsActive = active
		d.users[id] = u
		return nil
	})
}

// GetUser implements the ledger's user lookup.
func (s *Store) GetUser(_ context.Context, id uuid.UUID) (users.User, error) {
	var (
		u  users.User
		ok bool
	)
	s.read(func(d *data) { u, ok = d.users[id] })
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return u, nil
}

// AddPermission stores a generic permission and returns it.
func (s *Store) AddPermission(codename, name string) rbac.Permission {
	p, _ := s.RBAC().EnsurePermission(context.Background(), codename, name)
	return p
}

func duplicate(constraint string) error {
	return fmt.Errorf("%w: %s", shared.ErrDuplicateName, constraint)
}

func (d *data) groupCodes(groupID uuid.UUID) []string {
	codes := make([]string, 0, len(d.groupPerms[groupID]))
	for pid := range d.groupPerms[groupID] {
		codes = append(codes, d.permissions[pid].Codename)
	}
	sort.Strings(codes)
	return codes
}

func (d *data) roleByGroup(groupID uuid.UUID) (roles.Role, bool) {
	for _, r := range d.roles {
		if r.GroupID == groupID {
			return r, true
		}
	}
	return roles.Role{}, false
}

func (d *data) permissionsExist(ids []uuid.UUID) bool {
	for _, id := range ids {
		if _, ok := d.permissions[id]; !ok {
			return false
		}
	}
	return true
}

func (d *data) createGroup(name string, now time.Time) (uuid.UUID, error) {
	for _, g := range d.groups {
		if g.Name == name {
			return uuid.Nil, duplicate("auth_groups_name_key")
		}
	}
	g := group{ID: uuid.New(), Name: name, CreatedAt: now}
	d.groups[g.ID] = g
	return g.ID, nil
}

func (d *data) renameGroup(id uuid.UUID, name string) error {
	g, ok := d.groups[id]
	if !ok {
		return shared.ErrNotFound
	}
	for other, existing := range d.groups {
		if existing.Name == name && other != id {
			return duplicate("auth_groups_name_key")
		}
	}
	g.Name = name
	d.groups[id] = g
	return nil
}

func (d *data) deleteGroup(id uuid.UUID) error {
	if _, ok := d.groups[id]; !ok {
		return shared.ErrNotFound
	}
	if _, owned := d.roleByGroup(id); owned {
		return fmt.Errorf("%w: group still referenced by a role", shared.ErrConstraintViolation)
	}
	delete(d.groups, id)
	delete(d.groupPerms, id)
	delete(d.members, id)
	return nil
}

func (d *data) replaceGroupPermissions(groupID uuid.UUID, ids []uuid.UUID) error {
	if _, ok := d.groups[groupID]; !ok {
		return shared.ErrNotFound
	}
	perms := make(set, len(ids))
	for _, id := range ids {
		if _, ok := d.permissions[id]; !ok {
			return shared.ErrNotFound
		}
		perms[id] = struct{}{}
	}
	d.groupPerms[groupID] = perms
	return nil
}

func (d *data) addGroupPermission(groupID, permissionID uuid.UUID) error {
	if _, ok := d.groups[groupID]; !ok {
		return shared.ErrNotFound
	}
	if _, ok := d.permissions[permissionID]; !ok {
		return shared.ErrNotFound
	}
	if d.groupPerms[groupID] == nil {
		d.groupPerms[groupID] = make(set)
	}
	d.groupPerms[groupID][permissionID] = struct{}{}
	return nil
}

func (d *data) addMember(userID, groupID uuid.UUID) error {
	if _, ok := d.users[userID]; !ok {
		return shared.ErrNotFound
	}
	if _, ok := d.groups[groupID]; !ok {
		return shared.ErrNotFound
	}
	if d.members[groupID] == nil {
		d.members[groupID] = make(set)
	}
	d.members[groupID][userID] = struct{}{}
	return nil
}

func (d *data) removeMember(userID, groupID uuid.UUID) {
	delete(d.members[groupID], userID)
}

func (d *data) isMember(userID, groupID uuid.UUID) bool {
	_, ok := d.members[groupID][userID]
	return ok
}

func (d *data) countActive(roleID uuid.UUID, now time.Time) int {
	n := 0
	for _, a := range d.ledger {
		if a.RoleID == roleID && a.IsEffective(now) {
			n++
		}
	}
	return n
}

func (d *data) usersCount(roleID uuid.UUID) int {
	n := 0
	for _, a := range d.ledger {
		if a.RoleID == roleID && a.IsActive {
			n++
		}
	}
	return n
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
