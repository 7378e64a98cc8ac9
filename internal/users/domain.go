package users

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserType classifies staff accounts.
type UserType string

const (
	TypeSuperAdmin       UserType = "super_admin"
	TypeAdmin            UserType = "admin"
	TypeBillingManager   UserType = "billing_manager"
	TypeNOCManager       UserType = "noc_manager"
	TypeSupportStaff     UserType = "support_staff"
	TypeResellerAdmin    UserType = "reseller_admin"
	TypeSubResellerAdmin UserType = "sub_reseller_admin"
	TypeFieldStaff       UserType = "field_staff"
	TypeAccountant       UserType = "accountant"
	TypeCustomerService  UserType = "customer_service"
	TypeTechnicalSupport UserType = "technical_support"
)

var userTypeLabels = map[UserType]string{
	TypeSuperAdmin:       "Super Admin",
	TypeAdmin:            "Admin",
	TypeBillingManager:   "Billing Manager",
	TypeNOCManager:       "NOC Manager",
	TypeSupportStaff:     "Support Staff",
	TypeResellerAdmin:    "Reseller Admin",
	TypeSubResellerAdmin: "Sub-Reseller Admin",
	TypeFieldStaff:       "Field Staff",
	TypeAccountant:       "Accountant",
	TypeCustomerService:  "Customer Service",
	TypeTechnicalSupport: "Technical Support",
}

// AllUserTypes lists every user type in declaration order.
func AllUserTypes() []UserType {
	return []UserType{
		TypeSuperAdmin, TypeAdmin, TypeBillingManager, TypeNOCManager, TypeSupportStaff,
		TypeResellerAdmin, TypeSubResellerAdmin, TypeFieldStaff, TypeAccountant,
		TypeCustomerService, TypeTechnicalSupport,
	}
}

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	_, ok := userTypeLabels[t]
	return ok
}

// Label returns the human readable name of the user type.
func (t UserType) Label() string {
	if label, ok := userTypeLabels[t]; ok {
		return label
	}
	return string(t)
}

// IsAdministrative reports whether the type may manage other staff.
func (t UserType) IsAdministrative() bool {
	return t == TypeSuperAdmin || t == TypeAdmin
}

// Credentials is the token blob kept on the user row.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	CreatedAt    *time.Time
	ExpiresAt    *time.Time
	RememberMe   bool
}

// User is a staff account. Accounts are deactivated, never deleted.
type User struct {
	ID                  uuid.UUID   `json:"id"`
	LoginID             string      `json:"login_id"`
	Email               string      `json:"email"`
	Mobile              string      `json:"mobile"`
	Name                string      `json:"name"`
	EmployeeID          string      `json:"employee_id"`
	UserType            UserType    `json:"user_type"`
	DistrictID          *uuid.UUID  `json:"district_id,omitempty"`
	ThanaID             *uuid.UUID  `json:"thana_id,omitempty"`
	IsActive            bool        `json:"is_active"`
	IsStaff             bool        `json:"is_staff"`
	FailedLoginAttempts int         `json:"failed_login_attempts"`
	LockedUntil         *time.Time  `json:"locked_until,omitempty"`
	LastLoginAt         *time.Time  `json:"last_login_at,omitempty"`
	LanguagePreference  string      `json:"language_preference"`
	Timezone            string      `json:"timezone"`
	PasswordHash        string      `json:"-"`
	Credentials         Credentials `json:"-"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// DisplayName renders the user as "name (login_id)".
func (u User) DisplayName() string {
	return fmt.Sprintf("%s (%s)", u.Name, u.LoginID)
}

// IsLocked reports whether a lockout is in force at now.
func (u User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// TokenValid reports whether the stored access token is present and unexpired.
func (u User) TokenValid(now time.Time) bool {
	return u.Credentials.AccessToken != "" && u.Credentials.ExpiresAt != nil && u.Credentials.ExpiresAt.After(now)
}

// CreateUserInput carries the fields accepted on account creation.
type CreateUserInput struct {
	LoginID            string      `json:"login_id" validate:"required,max=150,login_id"`
	Email              string      `json:"email" validate:"required,email"`
	Mobile             string      `json:"mobile" validate:"max=20"`
	Name               string      `json:"name" validate:"required,max=255"`
	EmployeeID         string      `json:"employee_id" validate:"max=50"`
	UserType           UserType    `json:"user_type" validate:"required"`
	DistrictID         *uuid.UUID  `json:"district_id"`
	ThanaID            *uuid.UUID  `json:"thana_id"`
	Password           string      `json:"password" validate:"required,min=8"`
	PasswordConfirm    string      `json:"password_confirm" validate:"required,eqfield=Password"`
	IsStaff            bool        `json:"is_staff"`
	LanguagePreference string      `json:"language_preference" validate:"omitempty,oneof=en bn"`
	Timezone           string      `json:"timezone"`
	RoleIDs            []uuid.UUID `json:"role_ids"`
}

// UpdateUserInput is a partial update. Nil fields are left untouched.
type UpdateUserInput struct {
	Email              *string    `json:"email" validate:"omitempty,email"`
	Mobile             *string    `json:"mobile" validate:"omitempty,max=20"`
	Name               *string    `json:"name" validate:"omitempty,max=255"`
	EmployeeID         *string    `json:"employee_id" validate:"omitempty,max=50"`
	UserType           *UserType  `json:"user_type"`
	DistrictID         *uuid.UUID `json:"district_id"`
	ThanaID            *uuid.UUID `json:"thana_id"`
	IsActive           *bool      `json:"is_active"`
	IsStaff            *bool      `json:"is_staff"`
	LanguagePreference *string    `json:"language_preference" validate:"omitempty,oneof=en bn"`
	Timezone           *string    `json:"timezone"`
}

// ChangePasswordInput is used by the self-service password endpoint.
type ChangePasswordInput struct {
	OldPassword     string `json:"old_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=NewPassword"`
}

// ListFilters narrows user listings.
type ListFilters struct {
	UserType *UserType
	IsActive *bool
	RoleName string
	Search   string
	Page     int
	PerPage  int
}

// Stats summarises the account base for the dashboard.
type Stats struct {
	TotalUsers              int              `json:"total_users"`
	ActiveUsers             int              `json:"active_users"`
	TotalRoles              int              `json:"total_roles"`
	ActiveRoles             int              `json:"active_roles"`
	TotalPermissions        int              `json:"total_permissions"`
	ActiveCustomPermissions int              `json:"active_custom_permissions"`
	UsersByType             map[UserType]int `json:"users_by_type"`
}
