package assignments

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
	"github.com/kloudtech/ktl-billing/internal/shared"
)

const pairConstraint = "user_roles_user_role_key"

// Repository defines ledger reads and the transactional entry point.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Assignment, error)
	FindByPair(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error)
	List(ctx context.Context, filters ListFilters) ([]Assignment, int, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Assignment, error)
}

// TxRepository exposes the ledger and membership writes that commit together.
type TxRepository interface {
	LockPair(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error)
	LockByID(ctx context.Context, id uuid.UUID) (Assignment, error)
	Insert(ctx context.Context, a Assignment) (Assignment, error)
	Save(ctx context.Context, a Assignment) (Assignment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	LockRole(ctx context.Context, roleID uuid.UUID) (*int, error)
	CountActive(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)

	AddMember(ctx context.Context, userID, groupID uuid.UUID) error
	RemoveMember(ctx context.Context, userID, groupID uuid.UUID) error
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

const columns = `id, user_id, role_id, is_active, assigned_by, assigned_at, expires_at, assignment_reason,
	revoked_by, revoked_at, revocation_reason, created_at, updated_at`

func scan(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.AssignedBy, &a.AssignedAt, &a.ExpiresAt,
		&a.AssignmentReason, &a.RevokedBy, &a.RevokedAt, &a.RevocationReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Assignment{}, mapError(err)
	}
	return a, nil
}

func mapError(err error) error {
	if constraint, ok := db.IsUniqueViolation(err); ok && constraint == pairConstraint {
		return ErrAlreadyAssigned
	}
	return rbac.MapError(err)
}

// Get fetches one ledger row.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Assignment, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM user_roles WHERE id = $1`, id))
}

// FindByPair fetches the row for a (user, role) pair.
func (r *PGRepository) FindByPair(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID))
}

// List returns one page of rows, newest first, and the total match count.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Assignment, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filters.UserID != nil {
		add("user_id = ?", *filters.UserID)
	}
	if filters.RoleID != nil {
		add("role_id = ?", *filters.RoleID)
	}
	if filters.IsActive != nil {
		add("is_active = ?", *filters.IsActive)
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_roles`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assignments: %w", err)
	}

	page, perPage := shared.NormalizePage(filters.Page, filters.PerPage)
	args = append(args, perPage, shared.Offset(page, perPage))
	query := `SELECT ` + columns + ` FROM user_roles` + cond +
		` ORDER BY assigned_at DESC, id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// DueForExpiry returns active rows whose expiry has passed, oldest expiry first.
func (r *PGRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM user_roles
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LockPair reads and locks the row for a pair.
func (t *txRepo) LockPair(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error) {
	return scan(t.tx.QueryRow(ctx, `SELECT `+columns+` FROM user_roles
		WHERE user_id = $1 AND role_id = $2 FOR UPDATE`, userID, roleID))
}

// LockByID reads and locks a row by id.
func (t *txRepo) LockByID(ctx context.Context, id uuid.UUID) (Assignment, error) {
	return scan(t.tx.QueryRow(ctx, `SELECT `+columns+` FROM user_roles WHERE id = $1 FOR UPDATE`, id))
}

// Insert stores a new ledger row.
func (t *txRepo) Insert(ctx context.Context, a Assignment) (Assignment, error) {
	return scan(t.tx.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, is_active, assigned_by, assigned_at, expires_at, assignment_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+columns,
		a.UserID, a.RoleID, a.IsActive, a.AssignedBy, a.AssignedAt, a.ExpiresAt, a.AssignmentReason))
}

// Save writes the mutable columns of an existing row.
func (t *txRepo) Save(ctx context.Context, a Assignment) (Assignment, error) {
	return scan(t.tx.QueryRow(ctx, `
		UPDATE user_roles SET is_active = $2, assigned_by = $3, assigned_at = $4, expires_at = $5,
			assignment_reason = $6, revoked_by = $7, revoked_at = $8, revocation_reason = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+columns,
		a.ID, a.IsActive, a.AssignedBy, a.AssignedAt, a.ExpiresAt, a.AssignmentReason,
		a.RevokedBy, a.RevokedAt, a.RevocationReason))
}

// Delete removes a row.
func (t *txRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_roles WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// LockRole takes the role row lock that serialises cap checks and returns the
// committed cap. The row is rewritten rather than only locked so that a
// repeatable-read transaction queued behind it fails with 40001 and is retried
// on a fresh snapshot instead of counting against a stale one.
func (t *txRepo) LockRole(ctx context.Context, roleID uuid.UUID) (*int, error) {
	var limit *int
	err := t.tx.QueryRow(ctx, `
		UPDATE roles SET updated_at = updated_at WHERE id = $1
		RETURNING max_assignments`, roleID).Scan(&limit)
	if err != nil {
		return nil, mapError(err)
	}
	return limit, nil
}

// CountActive counts rows of the role in force at now.
func (t *txRepo) CountActive(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM user_roles
		WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)`, roleID, now).Scan(&n)
	return n, err
}
