package organizations

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

// Repository reads organizations and opens write transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, filters ListFilters) ([]Organization, int, error)
	Get(ctx context.Context, id uuid.UUID) (Detail, error)
	Settings(ctx context.Context, id uuid.UUID) (Settings, error)
}

// TxRepository writes an organization and its settings rows together.
type TxRepository interface {
	Insert(ctx context.Context, org Organization) (Organization, error)
	InsertSettings(ctx context.Context, s Settings) error
	Lock(ctx context.Context, id uuid.UUID) (Detail, error)
	Update(ctx context.Context, org Organization) (Organization, error)
	SaveSettings(ctx context.Context, s Settings) error
	Deactivate(ctx context.Context, id uuid.UUID) error
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
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	if constraint, ok := db.IsUniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", shared.ErrDuplicateName, constraint)
	}
	if constraint, ok := db.IsCheckViolation(err); ok {
		return shared.Invalid("violates %s", constraint)
	}
	return err
}

const orgColumns = `o.id, o.company_name, o.company_code, o.business_license, o.vat_registration, o.address,
	o.contact_email, o.contact_phone, o.website, o.logo_img, o.revenue_sharing_enabled,
	o.default_reseller_share::float8, o.default_sub_reseller_share::float8, o.auto_approval_enabled,
	o.is_active, o.created_at, o.updated_at`

const settingsColumns = `b.max_manual_grace_days, b.disable_expiry, b.default_grace_days, b.jump_billing,
	b.default_grace_hours, b.max_inactive_days,
	s.sync_area_to_mikrotik, s.sync_address_to_mikrotik, s.sync_customer_mobile_to_mikrotik`

const detailFrom = ` FROM organizations o
	JOIN organization_billing_settings b ON b.organization_id = o.id
	JOIN organization_sync_settings s ON s.organization_id = o.id`

func orgFields(o *Organization) []any {
	return []any{&o.ID, &o.CompanyName, &o.CompanyCode, &o.BusinessLicense, &o.VATRegistration, &o.Address,
		&o.ContactEmail, &o.ContactPhone, &o.Website, &o.LogoImg, &o.RevenueSharingEnabled,
		&o.DefaultResellerShare, &o.DefaultSubResellerShare, &o.AutoApprovalEnabled,
		&o.IsActive, &o.CreatedAt, &o.UpdatedAt}
}

func settingsFields(b *BillingSettings, s *SyncSettings) []any {
	return []any{&b.MaxManualGraceDays, &b.DisableExpiry, &b.DefaultGraceDays, &b.JumpBilling,
		&b.DefaultGraceHours, &b.MaxInactiveDays,
		&s.SyncAreaToMikrotik, &s.SyncAddressToMikrotik, &s.SyncCustomerMobileToMikrotik}
}

func scanDetail(row pgx.Row) (Detail, error) {
	var d Detail
	dest := append(orgFields(&d.Organization), settingsFields(&d.Billing, &d.Sync)...)
	if err := row.Scan(dest...); err != nil {
		return Detail{}, mapError(err)
	}
	return d, nil
}

func scanOrganization(row pgx.Row) (Organization, error) {
	var o Organization
	if err := row.Scan(orgFields(&o)...); err != nil {
		return Organization{}, mapError(err)
	}
	return o, nil
}

// List returns organizations newest first with the total match count.
func (r *PGRepository) List(ctx context.Context, filters ListFilters) ([]Organization, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if filters.IsActive != nil {
		add("o.is_active = ?", *filters.IsActive)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		add("(o.company_name ILIKE ? OR o.company_code ILIKE ? OR o.contact_email ILIKE ?)", "%"+s+"%")
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM organizations o`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count organizations: %w", err)
	}
	page, perPage := shared.NormalizePage(filters.Page, filters.PerPage)
	args = append(args, perPage, shared.Offset(page, perPage))
	query := `SELECT ` + orgColumns + ` FROM organizations o` + cond +
		fmt.Sprintf(` ORDER BY o.created_at DESC, o.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	var out []Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

// Get fetches an organization with both settings rows.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Detail, error) {
	return scanDetail(r.pool.QueryRow(ctx, `SELECT `+orgColumns+`, `+settingsColumns+detailFrom+` WHERE o.id = $1`, id))
}

// Settings returns the settings of an active organization.
func (r *PGRepository) Settings(ctx context.Context, id uuid.UUID) (Settings, error) {
	out := Settings{OrganizationID: id}
	err := r.pool.QueryRow(ctx, `SELECT `+settingsColumns+detailFrom+` WHERE o.id = $1 AND o.is_active`, id).
		Scan(settingsFields(&out.Billing, &out.Sync)...)
	if err != nil {
		return Settings{}, mapError(err)
	}
	return out, nil
}

func (t *txRepo) Insert(ctx context.Context, o Organization) (Organization, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO organizations AS o (company_name, company_code, business_license, vat_registration, address,
			contact_email, contact_phone, website, logo_img, revenue_sharing_enabled,
			default_reseller_share, default_sub_reseller_share, auto_approval_enabled, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+orgColumns,
		o.CompanyName, o.CompanyCode, o.BusinessLicense, o.VATRegistration, o.Address,
		o.ContactEmail, o.ContactPhone, o.Website, o.LogoImg, o.RevenueSharingEnabled,
		o.DefaultResellerShare, o.DefaultSubResellerShare, o.AutoApprovalEnabled, o.IsActive)
	return scanOrganization(row)
}

func (t *txRepo) InsertSettings(ctx context.Context, s Settings) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO organization_billing_settings (organization_id, max_manual_grace_days, disable_expiry,
			default_grace_days, jump_billing, default_grace_hours, max_inactive_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.OrganizationID, s.Billing.MaxManualGraceDays, s.Billing.DisableExpiry, s.Billing.DefaultGraceDays,
		s.Billing.JumpBilling, s.Billing.DefaultGraceHours, s.Billing.MaxInactiveDays); err != nil {
		return mapError(err)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO organization_sync_settings (organization_id, sync_area_to_mikrotik, sync_address_to_mikrotik,
			sync_customer_mobile_to_mikrotik)
		VALUES ($1, $2, $3, $4)`,
		s.OrganizationID, s.Sync.SyncAreaToMikrotik, s.Sync.SyncAddressToMikrotik, s.Sync.SyncCustomerMobileToMikrotik)
	return mapError(err)
}

func (t *txRepo) Lock(ctx context.Context, id uuid.UUID) (Detail, error) {
	return scanDetail(t.tx.QueryRow(ctx, `SELECT `+orgColumns+`, `+settingsColumns+detailFrom+` WHERE o.id = $1 FOR UPDATE OF o`, id))
}

func (t *txRepo) Update(ctx context.Context, o Organization) (Organization, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE organizations AS o SET company_name = $2, company_code = $3, business_license = $4,
			vat_registration = $5, address = $6, contact_email = $7, contact_phone = $8, website = $9,
			logo_img = $10, revenue_sharing_enabled = $11, default_reseller_share = $12,
			default_sub_reseller_share = $13, auto_approval_enabled = $14, is_active = $15, updated_at = now()
		WHERE o.id = $1
		RETURNING `+orgColumns,
		o.ID, o.CompanyName, o.CompanyCode, o.BusinessLicense, o.VATRegistration, o.Address,
		o.ContactEmail, o.ContactPhone, o.Website, o.LogoImg, o.RevenueSharingEnabled,
		o.DefaultResellerShare, o.DefaultSubResellerShare, o.AutoApprovalEnabled, o.IsActive)
	return scanOrganization(row)
}

func (t *txRepo) SaveSettings(ctx context.Context, s Settings) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE organization_billing_settings SET max_manual_grace_days = $2, disable_expiry = $3,
			default_grace_days = $4, jump_billing = $5, default_grace_hours = $6, max_inactive_days = $7,
			updated_at = now()
		WHERE organization_id = $1`,
		s.OrganizationID, s.Billing.MaxManualGraceDays, s.Billing.DisableExpiry, s.Billing.DefaultGraceDays,
		s.Billing.JumpBilling, s.Billing.DefaultGraceHours, s.Billing.MaxInactiveDays); err != nil {
		return mapError(err)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE organization_sync_settings SET sync_area_to_mikrotik = $2, sync_address_to_mikrotik = $3,
			sync_customer_mobile_to_mikrotik = $4, updated_at = now()
		WHERE organization_id = $1`,
		s.OrganizationID, s.Sync.SyncAreaToMikrotik, s.Sync.SyncAddressToMikrotik, s.Sync.SyncCustomerMobileToMikrotik)
	return mapError(err)
}

func (t *txRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE organizations SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
