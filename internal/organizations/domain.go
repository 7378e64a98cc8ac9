package organizations

import (
	"time"

	"github.com/google/uuid"
)

// Organization is an operator company using the billing platform.
type Organization struct {
	ID                      uuid.UUID `json:"id"`
	CompanyName             string    `json:"company_name"`
	CompanyCode             string    `json:"company_code"`
	BusinessLicense         string    `json:"business_license"`
	VATRegistration         string    `json:"vat_registration"`
	Address                 string    `json:"address"`
	ContactEmail            string    `json:"contact_email"`
	ContactPhone            string    `json:"contact_phone"`
	Website                 string    `json:"website"`
	LogoImg                 string    `json:"logo_img"`
	RevenueSharingEnabled   bool      `json:"revenue_sharing_enabled"`
	DefaultResellerShare    float64   `json:"default_reseller_share"`
	DefaultSubResellerShare float64   `json:"default_sub_reseller_share"`
	AutoApprovalEnabled     bool      `json:"auto_approval_enabled"`
	IsActive                bool      `json:"is_active"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// BillingSettings control grace periods and expiry for an organization.
type BillingSettings struct {
	MaxManualGraceDays int  `json:"max_manual_grace_days"`
	DisableExpiry      bool `json:"disable_expiry"`
	DefaultGraceDays   int  `json:"default_grace_days"`
	JumpBilling        bool `json:"jump_billing"`
	DefaultGraceHours  int  `json:"default_grace_hours"`
	MaxInactiveDays    int  `json:"max_inactive_days"`
}

// SyncSettings select which customer fields are pushed to MikroTik routers.
type SyncSettings struct {
	SyncAreaToMikrotik           bool `json:"sync_area_to_mikrotik"`
	SyncAddressToMikrotik        bool `json:"sync_address_to_mikrotik"`
	SyncCustomerMobileToMikrotik bool `json:"sync_customer_mobile_to_mikrotik"`
}

// Settings bundles both settings rows of an organization.
type Settings struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Billing        BillingSettings `json:"billing_settings"`
	Sync           SyncSettings    `json:"sync_settings"`
}

// Detail is an organization with its settings.
type Detail struct {
	Organization
	Billing BillingSettings `json:"billing_settings"`
	Sync    SyncSettings    `json:"sync_settings"`
}

// DefaultBillingSettings returns the settings a new organization starts with.
func DefaultBillingSettings() BillingSettings {
	return BillingSettings{
		MaxManualGraceDays: 9,
		DefaultGraceDays:   1,
		JumpBilling:        true,
		DefaultGraceHours:  14,
		MaxInactiveDays:    3,
	}
}

// Default revenue shares, in percent.
const (
	DefaultResellerShare    = 50.0
	DefaultSubResellerShare = 45.0
)

// BillingPatch is a partial billing settings update.
type BillingPatch struct {
	MaxManualGraceDays *int  `json:"max_manual_grace_days" validate:"omitempty,gte=0"`
	DisableExpiry      *bool `json:"disable_expiry"`
	DefaultGraceDays   *int  `json:"default_grace_days" validate:"omitempty,gte=0"`
	JumpBilling        *bool `json:"jump_billing"`
	DefaultGraceHours  *int  `json:"default_grace_hours" validate:"omitempty,gte=0,lte=23"`
	MaxInactiveDays    *int  `json:"max_inactive_days" validate:"omitempty,gte=0"`
}

func (p *BillingPatch) apply(b *BillingSettings) {
	if p == nil {
		return
	}
	setInt(&b.MaxManualGraceDays, p.MaxManualGraceDays)
	setBool(&b.DisableExpiry, p.DisableExpiry)
	setInt(&b.DefaultGraceDays, p.DefaultGraceDays)
	setBool(&b.JumpBilling, p.JumpBilling)
	setInt(&b.DefaultGraceHours, p.DefaultGraceHours)
	setInt(&b.MaxInactiveDays, p.MaxInactiveDays)
}

// SyncPatch is a partial sync settings update.
type SyncPatch struct {
	SyncAreaToMikrotik           *bool `json:"sync_area_to_mikrotik"`
	SyncAddressToMikrotik        *bool `json:"sync_address_to_mikrotik"`
	SyncCustomerMobileToMikrotik *bool `json:"sync_customer_mobile_to_mikrotik"`
}

func (p *SyncPatch) apply(s *SyncSettings) {
	if p == nil {
		return
	}
	setBool(&s.SyncAreaToMikrotik, p.SyncAreaToMikrotik)
	setBool(&s.SyncAddressToMikrotik, p.SyncAddressToMikrotik)
	setBool(&s.SyncCustomerMobileToMikrotik, p.SyncCustomerMobileToMikrotik)
}

// CreateInput is accepted on organization creation. Omitted settings take
// their defaults.
type CreateInput struct {
	CompanyName             string        `json:"company_name" validate:"required,max=255"`
	CompanyCode             string        `json:"company_code" validate:"required,max=20"`
	BusinessLicense         string        `json:"business_license" validate:"max=100"`
	VATRegistration         string        `json:"vat_registration" validate:"max=100"`
	Address                 string        `json:"address"`
	ContactEmail            string        `json:"contact_email" validate:"omitempty,email,max=255"`
	ContactPhone            string        `json:"contact_phone" validate:"max=20"`
	Website                 string        `json:"website" validate:"omitempty,url,max=255"`
	LogoImg                 string        `json:"logo_img" validate:"max=500"`
	RevenueSharingEnabled   *bool         `json:"revenue_sharing_enabled"`
	DefaultResellerShare    *float64      `json:"default_reseller_share" validate:"omitempty,gte=0,lte=100"`
	DefaultSubResellerShare *float64      `json:"default_sub_reseller_share" validate:"omitempty,gte=0,lte=100"`
	AutoApprovalEnabled     bool          `json:"auto_approval_enabled"`
	Billing                 *BillingPatch `json:"billing_settings"`
	Sync                    *SyncPatch    `json:"sync_settings"`
}

// UpdateInput is a partial organization update.
type UpdateInput struct {
	CompanyName             *string       `json:"company_name" validate:"omitempty,max=255"`
	CompanyCode             *string       `json:"company_code" validate:"omitempty,max=20"`
	BusinessLicense         *string       `json:"business_license" validate:"omitempty,max=100"`
	VATRegistration         *string       `json:"vat_registration" validate:"omitempty,max=100"`
	Address                 *string       `json:"address"`
	ContactEmail            *string       `json:"contact_email" validate:"omitempty,email,max=255"`
	ContactPhone            *string       `json:"contact_phone" validate:"omitempty,max=20"`
	Website                 *string       `json:"website" validate:"omitempty,url,max=255"`
	LogoImg                 *string       `json:"logo_img" validate:"omitempty,max=500"`
	RevenueSharingEnabled   *bool         `json:"revenue_sharing_enabled"`
	DefaultResellerShare    *float64      `json:"default_reseller_share" validate:"omitempty,gte=0,lte=100"`
	DefaultSubResellerShare *float64      `json:"default_sub_reseller_share" validate:"omitempty,gte=0,lte=100"`
	AutoApprovalEnabled     *bool         `json:"auto_approval_enabled"`
	IsActive                *bool         `json:"is_active"`
	Billing                 *BillingPatch `json:"billing_settings"`
	Sync                    *SyncPatch    `json:"sync_settings"`
}

// ListFilters narrows organization listings. Deleted organizations are
// inactive and only listed when IsActive asks for them.
type ListFilters struct {
	IsActive *bool
	Search   string
	Page     int
	PerPage  int
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
