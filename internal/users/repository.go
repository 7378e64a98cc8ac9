package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Repository defines persistence operations for user accounts.
type Repository interface {
	Create(ctx context.Context, user User) (User, error)
	Get(ctx context.Context, id uuid.UUID) (User, error)
	FindByLogin(ctx context.Context, identifier string) (User, error)
	List(ctx context.Context, filters ListFilters) ([]User, int, error)
	Update(ctx context.Context, user User) (User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetPassword(ctx context.Context, id uuid.UUID, hash string) error
	RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCredentials(ctx context.Context, id uuid.UUID, creds Credentials) error
	ClearCredentials(ctx context.Context, id uuid.UUID) error
	ThanaInDistrict(ctx context.Context, thanaID, districtID uuid.UUID) (bool, error)
	StatsSource
}

// StatsSource exposes the counters behind the dashboard.
type StatsSource interface {
	CountUsers(ctx context.Context, activeOnly bool) (int, error)
	CountUsersByType(ctx context.Context) (map[UserType]int, error)
	CountRoles(ctx context.Context, activeOnly bool) (int, error)
	CountPermissions(ctx context.Context) (int, error)
	CountCustomPermissions(ctx context.Context, activeOnly bool) (int, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

const userColumns = `id, login_id, email, mobile, name, employee_id, user_type, district_id, thana_id,
	is_active, is_staff, failed_login_attempts, locked_until, last_login_at, language_preference, timezone,
	password_hash, access_token, refresh_token, token_created_at, token_expires_at, remember_me,
	created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.LoginID, &u.Email, &u.Mobile, &u.Name, &u.EmployeeID, &u.UserType, &u.DistrictID, &u.ThanaID,
		&u.IsActive, &u.IsStaff, &u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt, &u.LanguagePreference, &u.Timezone,
		&u.PasswordHash, &u.Credentials.AccessToken, &u.Credentials.RefreshToken, &u.Credentials.CreatedAt,
		&u.Credentials.ExpiresAt, &u.Credentials.RememberMe,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func mapWriteError(err error) error {
	if constraint, ok := db.IsUniqueViolation(err); ok {
		switch constraint {
		case "users_login_id_key":
			return fmt.Errorf("%w: login_id already taken", shared.ErrDuplicateName)
		case "users_email_key":
			return fmt.Errorf("%w: email already registered", shared.ErrDuplicateName)
		}
		return fmt.Errorf("%w: %s", shared.ErrDuplicateName, constraint)
	}
	if _, ok := db.IsForeignKeyViolation(err); ok {
		return fmt.Errorf("%w: referenced district or thana", shared.ErrNotFound)
	}
	return err
}

// Create inserts a new user.
func (r *PGRepository) Create(ctx context.Context, u User) (User, error) {
	query := `INSERT INTO users (login_id, email, mobile, name, employee_id, user_type, district_id, thana_id,
		is_active, is_staff, language_preference, timezone, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + userColumns
	created, err := scanUser(r.pool.QueryRow(ctx, query,
		u.LoginID, u.Email, u.Mobile, u.Name, u.EmployeeID, u.UserType, u.DistrictID, u.ThanaID,
		u.IsActive, u.IsStaff, u.LanguagePreference, u.Timezone, u.PasswordHash,
	))
	if err != nil {
		return User{}, mapWriteError(err)
	}
	return created, nil
}

// Get fetches a user by id.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// FindByLogin fetches a user by login id or email.
func (r *PGRepository) FindByLogin(ctx context.Context, identifier string) (User, error) {
	identifier = strings.TrimSpace(identifier)
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE login_id = $1 OR lower(email) = lower($1) LIMIT 1`, identifier))
}

// List returns a filtered page of users and the total match count.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]User, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.UserType != nil {
		argCount++
		where += ` AND u.user_type = $` + strconv.Itoa(argCount)
		args = append(args, *filters.UserType)
	}
	if filters.IsActive != nil {
		argCount++
		where += ` AND u.is_active = $` + strconv.Itoa(argCount)
		args = append(args, *filters.IsActive)
	}
	if filters.RoleName != "" {
		argCount++
		where += ` AND EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = u.id AND ur.is_active AND r.name = $` + strconv.Itoa(argCount) + `)`
		args = append(args, filters.RoleName)
	}
	if filters.Search != "" {
		argCount++
		p := `$` + strconv.Itoa(argCount)
		where += ` AND (u.name ILIKE ` + p + ` OR u.login_id ILIKE ` + p + ` OR u.email ILIKE ` + p + ` OR u.mobile ILIKE ` + p + `)`
		args = append(args, "%"+filters.Search+"%")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users u`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := shared.NormalizePage(filters.Page, filters.PerPage)
	query := `SELECT ` + prefixed("u", userColumns) + ` FROM users u` + where +
		` ORDER BY u.created_at DESC, u.id LIMIT $` + strconv.Itoa(argCount+1) + ` OFFSET $` + strconv.Itoa(argCount+2)
	args = append(args, perPage, shared.Offset(page, perPage))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// Update persists the mutable profile fields.
func (r *PGRepository) Update(ctx context.Context, u User) (User, error) {
	query := `UPDATE users SET email = $2, mobile = $3, name = $4, employee_id = $5, user_type = $6,
		district_id = $7, thana_id = $8, is_active = $9, is_staff = $10, language_preference = $11,
		timezone = $12, updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns
	updated, err := scanUser(r.pool.QueryRow(ctx, query,
		u.ID, u.Email, u.Mobile, u.Name, u.EmployeeID, u.UserType,
		u.DistrictID, u.ThanaID, u.IsActive, u.IsStaff, u.LanguagePreference, u.Timezone,
	))
	if err != nil {
		return User{}, mapWriteError(err)
	}
	return updated, nil
}

// SetActive flips the soft-delete flag.
func (r *PGRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.execOne(ctx, `UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
}

// SetPassword replaces the password hash.
func (r *PGRepository) SetPassword(ctx context.Context, id uuid.UUID, hash string) error {
	return r.execOne(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
}

// RecordLoginFailure stores the failed attempt counter and optional lockout.
func (r *PGRepository) RecordLoginFailure(ctx context.Context, id uuid.UUID, attempts int, lockedUntil *time.Time) error {
	return r.execOne(ctx, `UPDATE users SET failed_login_attempts = $2, locked_until = $3 WHERE id = $1`, id, attempts, lockedUntil)
}

// RecordLoginSuccess clears lockout state and stamps the login time.
func (r *PGRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.execOne(ctx, `UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2 WHERE id = $1`, id, at)
}

// SetCredentials stores the issued token pair.
func (r *PGRepository) SetCredentials(ctx context.Context, id uuid.UUID, c Credentials) error {
	return r.execOne(ctx, `UPDATE users SET access_token = $2, refresh_token = $3, token_created_at = $4,
		token_expires_at = $5, remember_me = $6 WHERE id = $1`,
		id, c.AccessToken, c.RefreshToken, c.CreatedAt, c.ExpiresAt, c.RememberMe)
}

// RotateCredentials replaces the token pair only while previous is still the
// stored refresh token. It returns shared.ErrNotFound when another rotation or
// a logout got there first.
func (r *PGRepository) RotateCredentials(ctx context.Context, id uuid.UUID, previous string, c Credentials) error {
	return r.execOne(ctx, `UPDATE users SET access_token = $2, refresh_token = $3, token_created_at = $4,
		token_expires_at = $5, remember_me = $6 WHERE id = $1 AND refresh_token = $7 AND refresh_token <> ''`,
		id, c.AccessToken, c.RefreshToken, c.CreatedAt, c.ExpiresAt, c.RememberMe, previous)
}

// ClearCredentials wipes the stored token pair.
func (r *PGRepository) ClearCredentials(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `UPDATE users SET access_token = '', refresh_token = '', token_created_at = NULL,
		token_expires_at = NULL, remember_me = false WHERE id = $1`, id)
}

// ThanaInDistrict reports whether the thana belongs to the district.
func (r *PGRepository) ThanaInDistrict(ctx context.Context, thanaID, districtID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM thanas WHERE id = $1 AND district_id = $2)`, thanaID, districtID).Scan(&ok)
	return ok, err
}

// CountUsers counts users, optionally only active ones.
func (r *PGRepository) CountUsers(ctx context.Context, activeOnly bool) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM users WHERE ($1 = false OR is_active)`, activeOnly)
}

// CountUsersByType groups active users by type.
func (r *PGRepository) CountUsersByType(ctx context.Context) (map[UserType]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_type, COUNT(*) FROM users WHERE is_active GROUP BY user_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[UserType]int)
	for rows.Next() {
		var t UserType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

// CountRoles counts roles, optionally only active ones.
func (r *PGRepository) CountRoles(ctx context.Context, activeOnly bool) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM roles WHERE ($1 = false OR is_active)`, activeOnly)
}

// CountPermissions counts generic permissions.
func (r *PGRepository) CountPermissions(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM auth_permissions`)
}

// CountCustomPermissions counts catalogue entries, optionally only active ones.
func (r *PGRepository) CountCustomPermissions(ctx context.Context, activeOnly bool) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM custom_permissions WHERE ($1 = false OR is_active)`, activeOnly)
}

func (r *PGRepository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PGRepository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
