package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Repository reads location reference data.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListDistricts(ctx context.Context, filters DistrictFilters) ([]District, error)
	GetDistrict(ctx context.Context, id uuid.UUID) (District, error)
	ListThanas(ctx context.Context, filters ThanaFilters) ([]Thana, error)
	CountDistricts(ctx context.Context) (Counts, error)
	CountThanas(ctx context.Context) (Counts, error)
}

// TxRepository writes districts and thanas during an import.
type TxRepository interface {
	// EnsureDistrict returns the id of the district matching seed by code or
	// name, inserting it when absent. created reports whether a row was added.
	EnsureDistrict(ctx context.Context, seed DistrictSeed) (id uuid.UUID, created bool, err error)
	// InsertThana adds a thana unless the district already has one by that name.
	InsertThana(ctx context.Context, districtID uuid.UUID, name, code string) (bool, error)
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
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	return err
}

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, v any) {
	w.args = append(w.args, v)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

const districtColumns = `d.id, d.name, d.name_bn, d.code, d.is_active, d.created_at, d.updated_at`

func scanDistrict(row pgx.Row) (District, error) {
	var d District
	if err := row.Scan(&d.ID, &d.Name, &d.NameBN, &d.Code, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return District{}, mapError(err)
	}
	return d, nil
}

// ListDistricts returns districts ordered by name.
func (r *PGRepository) ListDistricts(ctx context.Context, filters DistrictFilters) ([]District, error) {
	var w where
	if filters.IsActive != nil {
		w.add("d.is_active = ?", *filters.IsActive)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		w.add("(d.name ILIKE ? OR d.name_bn ILIKE ? OR d.code ILIKE ?)", "%"+s+"%")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+districtColumns+` FROM districts d`+w.String()+` ORDER BY d.name`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	defer rows.Close()
	var out []District
	for rows.Next() {
		d, err := scanDistrict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDistrict fetches a district regardless of its active flag.
func (r *PGRepository) GetDistrict(ctx context.Context, id uuid.UUID) (District, error) {
	return scanDistrict(r.pool.QueryRow(ctx, `SELECT `+districtColumns+` FROM districts d WHERE d.id = $1`, id))
}

// ListThanas returns thanas ordered by district name then thana name.
func (r *PGRepository) ListThanas(ctx context.Context, filters ThanaFilters) ([]Thana, error) {
	var w where
	if filters.DistrictID != nil {
		w.add("t.district_id = ?", *filters.DistrictID)
	}
	if filters.IsActive != nil {
		w.add("t.is_active = ?", *filters.IsActive)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		w.add("(t.name ILIKE ? OR t.name_bn ILIKE ? OR t.code ILIKE ? OR d.name ILIKE ?)", "%"+s+"%")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.district_id, d.name, t.name, t.name_bn, t.code, t.is_active, t.created_at, t.updated_at
		FROM thanas t
		JOIN districts d ON d.id = t.district_id`+w.String()+`
		ORDER BY d.name, t.name`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list thanas: %w", err)
	}
	defer rows.Close()
	var out []Thana
	for rows.Next() {
		var t Thana
		if err := rows.Scan(&t.ID, &t.DistrictID, &t.DistrictName, &t.Name, &t.NameBN, &t.Code,
			&t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountDistricts counts active and all districts.
func (r *PGRepository) CountDistricts(ctx context.Context) (Counts, error) {
	return r.count(ctx, "districts")
}

// CountThanas counts active and all thanas.
func (r *PGRepository) CountThanas(ctx context.Context) (Counts, error) {
	return r.count(ctx, "thanas")
}

func (r *PGRepository) count(ctx context.Context, table string) (Counts, error) {
	var c Counts
	err := r.pool.QueryRow(ctx, `SELECT count(*) FILTER (WHERE is_active), count(*) FROM `+table).Scan(&c.Active, &c.Total)
	if err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", table, err)
	}
	return c, nil
}

func (t *txRepo) EnsureDistrict(ctx context.Context, seed DistrictSeed) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO districts (name, name_bn, code) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING id`, seed.Name, seed.NameBN, seed.Code).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("insert district %s: %w", seed.Code, err)
	}
	err = t.tx.QueryRow(ctx, `SELECT id FROM districts WHERE code = $1 OR name = $2 ORDER BY code = $1 DESC LIMIT 1`,
		seed.Code, seed.Name).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find district %s: %w", seed.Code, mapError(err))
	}
	return id, false, nil
}

func (t *txRepo) InsertThana(ctx context.Context, districtID uuid.UUID, name, code string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO thanas (district_id, name, code) VALUES ($1, $2, $3)
		ON CONFLICT (name, district_id) DO NOTHING`, districtID, name, code)
	if err != nil {
		return false, fmt.Errorf("insert thana %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}
