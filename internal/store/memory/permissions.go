package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/permissions"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Permissions returns the catalogue view of the store.
func (s *Store) Permissions() permissions.Repository {
	return catalogueRepo{s: s}
}

type catalogueRepo struct {
	s *Store
}

type catalogueTx struct {
	d   *data
	now time.Time
}

func (r catalogueRepo) WithTx(ctx context.Context, fn func(context.Context, permissions.TxRepository) error) error {
	return r.s.write(func(d *data) error {
		return fn(ctx, &catalogueTx{d: d, now: r.s.now()})
	})
}

func (d *data) hydrateCategory(c permissions.Category) permissions.Category {
	c.PermissionsCount = 0
	for _, p := range d.custom {
		if p.IsActive && p.CategoryID != nil && *p.CategoryID == c.ID {
			c.PermissionsCount++
		}
	}
	return c
}

func (d *data) hydrateCustom(p permissions.CustomPermission) permissions.CustomPermission {
	p.CategoryName = ""
	if p.CategoryID != nil {
		p.CategoryName = d.categories[*p.CategoryID].DisplayName
	}
	return p
}

func (r catalogueRepo) ListCategories(_ context.Context) ([]permissions.Category, error) {
	var out []permissions.Category
	r.s.read(func(d *data) {
		for _, c := range d.categories {
			out = append(out, d.hydrateCategory(c))
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r catalogueRepo) GetCategory(_ context.Context, id uuid.UUID) (permissions.Category, error) {
	var (
		c  permissions.Category
		ok bool
	)
	r.s.read(func(d *data) {
		if c, ok = d.categories[id]; ok {
			c = d.hydrateCategory(c)
		}
	})
	if !ok {
		return permissions.Category{}, shared.ErrNotFound
	}
	return c, nil
}

func (r catalogueRepo) ListCustom(_ context.Context, f permissions.CustomFilters) ([]permissions.CustomPermission, error) {
	var out []permissions.CustomPermission
	search := strings.TrimSpace(f.Search)
	r.s.read(func(d *data) {
		for _, p := range d.custom {
			if f.IsActive != nil && p.IsActive != *f.IsActive {
				continue
			}
			if f.IsSystemPermission != nil && p.IsSystemPermission != *f.IsSystemPermission {
				continue
			}
			if f.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *f.CategoryID) {
				continue
			}
			if search != "" && !containsFold(p.Name, search) && !containsFold(p.Codename, search) && !containsFold(p.Description, search) {
				continue
			}
			out = append(out, d.hydrateCustom(p))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (r catalogueRepo) GetCustom(_ context.Context, id uuid.UUID) (permissions.CustomPermission, error) {
	var (
		p  permissions.CustomPermission
		ok bool
	)
	r.s.read(func(d *data) {
		if p, ok = d.custom[id]; ok {
			p = d.hydrateCustom(p)
		}
	})
	if !ok {
		return permissions.CustomPermission{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *catalogueTx) checkCategoryName(id uuid.UUID, name string) error {
	for _, existing := range t.d.categories {
		if existing.Name == name && existing.ID != id {
			return duplicate("permission_categories_name_key")
		}
	}
	return nil
}

func (t *catalogueTx) InsertCategory(_ context.Context, c permissions.Category) (permissions.Category, error) {
	if err := t.checkCategoryName(uuid.Nil, c.Name); err != nil {
		return permissions.Category{}, err
	}
	c.ID = uuid.New()
	c.CreatedAt, c.UpdatedAt = t.now, t.now
	c.PermissionsCount = 0
	t.d.categories[c.ID] = c
	return c, nil
}

func (t *catalogueTx) LockCategory(_ context.Context, id uuid.UUID) (permissions.Category, error) {
	c, ok := t.d.categories[id]
	if !ok {
		return permissions.Category{}, shared.ErrNotFound
	}
	return t.d.hydrateCategory(c), nil
}

func (t *catalogueTx) UpdateCategory(_ context.Context, c permissions.Category) (permissions.Category, error) {
	current, ok := t.d.categories[c.ID]
	if !ok {
		return permissions.Category{}, shared.ErrNotFound
	}
	if err := t.checkCategoryName(c.ID, c.Name); err != nil {
		return permissions.Category{}, err
	}
	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = t.now
	t.d.categories[c.ID] = c
	return t.d.hydrateCategory(c), nil
}

func (t *catalogueTx) DeleteCategory(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.categories[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.d.categories, id)
	for pid, p := range t.d.custom {
		if p.CategoryID != nil && *p.CategoryID == id {
			p.CategoryID = nil
			t.d.custom[pid] = p
		}
	}
	return nil
}

func (t *catalogueTx) EnsurePermission(_ context.Context, codename, name string) (rbac.Permission, error) {
	return t.d.ensurePermission(codename, name, t.now), nil
}

func (t *catalogueTx) RenamePermission(_ context.Context, id uuid.UUID, codename, name string) error {
	return t.d.renamePermission(id, codename, name)
}

func (t *catalogueTx) checkCustom(p permissions.CustomPermission) error {
	for _, existing := range t.d.custom {
		if existing.ID == p.ID {
			continue
		}
		if existing.Codename == p.Codename {
			return duplicate("custom_permissions_codename_key")
		}
		if existing.PermissionID == p.PermissionID {
			return duplicate("custom_permissions_permission_id_key")
		}
	}
	if p.CategoryID != nil {
		if _, ok := t.d.categories[*p.CategoryID]; !ok {
			return shared.ErrNotFound
		}
	}
	return nil
}

func (t *catalogueTx) InsertCustom(_ context.Context, p permissions.CustomPermission) (permissions.CustomPermission, error) {
	if _, ok := t.d.permissions[p.PermissionID]; !ok {
		return permissions.CustomPermission{}, shared.ErrNotFound
	}
	p.ID = uuid.New()
	if err := t.checkCustom(p); err != nil {
		return permissions.CustomPermission{}, err
	}
	p.CreatedAt, p.UpdatedAt = t.now, t.now
	t.d.custom[p.ID] = p
	return t.d.hydrateCustom(p), nil
}

func (t *catalogueTx) LockCustom(_ context.Context, id uuid.UUID) (permissions.CustomPermission, error) {
	p, ok := t.d.custom[id]
	if !ok {
		return permissions.CustomPermission{}, shared.ErrNotFound
	}
	return t.d.hydrateCustom(p), nil
}

func (t *catalogueTx) UpdateCustom(_ context.Context, p permissions.CustomPermission) (permissions.CustomPermission, error) {
	current, ok := t.d.custom[p.ID]
	if !ok {
		return permissions.CustomPermission{}, shared.ErrNotFound
	}
	p.PermissionID = current.PermissionID
	p.IsSystemPermission = current.IsSystemPermission
	if err := t.checkCustom(p); err != nil {
		return permissions.CustomPermission{}, err
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = t.now
	t.d.custom[p.ID] = p
	return t.d.hydrateCustom(p), nil
}

func (t *catalogueTx) DeleteCustom(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.custom[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.d.custom, id)
	return nil
}
