package permissions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/rbac"
)

// Repository reads the permission catalogue and opens write transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListCategories(ctx context.Context) ([]Category, error)
	GetCategory(ctx context.Context, id uuid.UUID) (Category, error)
	ListCustom(ctx context.Context, filters CustomFilters) ([]CustomPermission, error)
	GetCustom(ctx context.Context, id uuid.UUID) (CustomPermission, error)
}

// TxRepository exposes the catalogue writes. The generic permission a custom
// entry mirrors is written through the same transaction.
type TxRepository interface {
	InsertCategory(ctx context.Context, c Category) (Category, error)
	LockCategory(ctx context.Context, id uuid.UUID) (Category, error)
	UpdateCategory(ctx context.Context, c Category) (Category, error)
	DeleteCategory(ctx context.Context, id uuid.UUID) error

	EnsurePermission(ctx context.Context, codename, name string) (rbac.Permission, error)
	RenamePermission(ctx context.Context, id uuid.UUID, codename, name string) error

	InsertCustom(ctx context.Context, p CustomPermission) (CustomPermission, error)
	LockCustom(ctx context.Context, id uuid.UUID) (CustomPermission, error)
	UpdateCustom(ctx context.Context, p CustomPermission) (CustomPermission, error)
	DeleteCustom(ctx context.Context, id uuid.UUID) error
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

const categoryColumns = `c.id, c.name, c.display_name, c.description, c.icon, c.sort_order, c.created_at, c.updated_at,
	(SELECT count(*) FROM custom_permissions cp WHERE cp.category_id = c.id AND cp.is_active)`

func scanCategory(row pgx.Row) (Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.Name, &c.DisplayName, &c.Description, &c.Icon, &c.SortOrder,
		&c.CreatedAt, &c.UpdatedAt, &c.PermissionsCount)
	if err != nil {
		return Category{}, rbac.MapError(err)
	}
	return c, nil
}

// ListCategories returns categories ordered by sort order then name.
func (r *PGRepository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+categoryColumns+` FROM permission_categories c ORDER BY c.sort_order, c.name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCategory fetches one category.
func (r *PGRepository) GetCategory(ctx context.Context, id uuid.UUID) (Category, error) {
	return scanCategory(r.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM permission_categories c WHERE c.id = $1`, id))
}

const customColumns = `p.id, p.codename, p.name, p.description, p.category_id, COALESCE(c.display_name, ''),
	p.permission_id, p.is_system_permission, p.is_active, p.created_at, p.updated_at`

const customFrom = ` FROM custom_permissions p LEFT JOIN permission_categories c ON c.id = p.category_id`

func scanCustom(row pgx.Row) (CustomPermission, error) {
	var p CustomPermission
	err := row.Scan(&p.ID, &p.Codename, &p.Name, &p.Description, &p.CategoryID, &p.CategoryName,
		&p.PermissionID, &p.IsSystemPermission, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return CustomPermission{}, rbac.MapError(err)
	}
	return p, nil
}

// ListCustom returns custom permissions ordered by codename.
func (r *PGRepository) ListCustom(ctx context.Context, filters CustomFilters) ([]CustomPermission, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filters.IsActive != nil {
		add("p.is_active = ?", *filters.IsActive)
	}
	if filters.IsSystemPermission != nil {
		add("p.is_system_permission = ?", *filters.IsSystemPermission)
	}
	if filters.CategoryID != nil {
		add("p.category_id = ?", *filters.CategoryID)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		add("(p.name ILIKE ? OR p.codename ILIKE ? OR p.description ILIKE ?)", "%"+s+"%")
	}
	query := `SELECT ` + customColumns + customFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY p.codename`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list custom permissions: %w", err)
	}
	defer rows.Close()
	var out []CustomPermission
	for rows.Next() {
		p, err := scanCustom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCustom fetches one custom permission with its category label.
func (r *PGRepository) GetCustom(ctx context.Context, id uuid.UUID) (CustomPermission, error) {
	return scanCustom(r.pool.QueryRow(ctx, `SELECT `+customColumns+customFrom+` WHERE p.id = $1`, id))
}

func (t *txRepo) InsertCategory(ctx context.Context, c Category) (Category, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO permission_categories (name, display_name, description, icon, sort_order)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.Name, c.DisplayName, c.Description, c.Icon, c.SortOrder).Scan(&id)
	if err != nil {
		return Category{}, rbac.MapError(err)
	}
	return t.LockCategory(ctx, id)
}

func (t *txRepo) LockCategory(ctx context.Context, id uuid.UUID) (Category, error) {
	return scanCategory(t.tx.QueryRow(ctx, `SELECT `+categoryColumns+` FROM permission_categories c WHERE c.id = $1 FOR UPDATE OF c`, id))
}

func (t *txRepo) UpdateCategory(ctx context.Context, c Category) (Category, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE permission_categories
		SET name = $2, display_name = $3, description = $4, icon = $5, sort_order = $6, updated_at = now()
		WHERE id = $1`,
		c.ID, c.Name, c.DisplayName, c.Description, c.Icon, c.SortOrder)
	if err != nil {
		return Category{}, rbac.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Category{}, rbac.MapError(pgx.ErrNoRows)
	}
	return t.LockCategory(ctx, c.ID)
}

// DeleteCategory removes a category. Its permissions lose the category link.
func (t *txRepo) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permission_categories WHERE id = $1`, id)
	if err != nil {
		return rbac.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete category: %w", rbac.MapError(pgx.ErrNoRows))
	}
	return nil
}

func (t *txRepo) InsertCustom(ctx context.Context, p CustomPermission) (CustomPermission, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO custom_permissions (codename, name, description, category_id, permission_id,
			is_system_permission, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.Codename, p.Name, p.Description, p.CategoryID, p.PermissionID, p.IsSystemPermission, p.IsActive).Scan(&id)
	if err != nil {
		return CustomPermission{}, rbac.MapError(err)
	}
	return t.LockCustom(ctx, id)
}

func (t *txRepo) LockCustom(ctx context.Context, id uuid.UUID) (CustomPermission, error) {
	return scanCustom(t.tx.QueryRow(ctx, `SELECT `+customColumns+customFrom+` WHERE p.id = $1 FOR UPDATE OF p`, id))
}

func (t *txRepo) UpdateCustom(ctx context.Context, p CustomPermission) (CustomPermission, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE custom_permissions
		SET codename = $2, name = $3, description = $4, category_id = $5, is_active = $6, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Codename, p.Name, p.Description, p.CategoryID, p.IsActive)
	if err != nil {
		return CustomPermission{}, rbac.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return CustomPermission{}, rbac.MapError(pgx.ErrNoRows)
	}
	return t.LockCustom(ctx, p.ID)
}

// DeleteCustom removes the catalogue row and leaves the generic permission in place.
func (t *txRepo) DeleteCustom(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM custom_permissions WHERE id = $1`, id)
	if err != nil {
		return rbac.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete custom permission: %w", rbac.MapError(pgx.ErrNoRows))
	}
	return nil
}
