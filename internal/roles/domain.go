package roles

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

// ErrSystemRoleRename protects the names of built-in roles.
var ErrSystemRoleRename = fmt.Errorf("%w: system role cannot be renamed", shared.ErrConstraintViolation)

// Role is a named bundle of permissions mirrored into exactly one group.
type Role struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description"`
	Level          int       `json:"level"`
	IsActive       bool      `json:"is_active"`
	IsSystemRole   bool      `json:"is_system_role"`
	MaxAssignments *int      `json:"max_assignments"`
	CanAssignRoles bool      `json:"can_assign_roles"`
	GroupID        uuid.UUID `json:"group_id"`
	UsersCount     int       `json:"users_count"`
	Permissions    []string  `json:"permissions,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Label renders the role for list responses.
func (r Role) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// CreateRoleInput carries the fields accepted on role creation.
type CreateRoleInput struct {
	Name           string      `json:"name" validate:"required,max=100"`
	DisplayName    string      `json:"display_name" validate:"max=150"`
	Description    string      `json:"description"`
	Level          int         `json:"level" validate:"omitempty,gte=1"`
	IsActive       *bool       `json:"is_active"`
	IsSystemRole   bool        `json:"is_system_role"`
	MaxAssignments *int        `json:"max_assignments" validate:"omitempty,gte=1"`
	CanAssignRoles bool        `json:"can_assign_roles"`
	PermissionIDs  []uuid.UUID `json:"permission_ids"`
}

// UpdateRoleInput is a partial update. Nil fields are left untouched.
type UpdateRoleInput struct {
	Name                *string `json:"name" validate:"omitempty,max=100"`
	DisplayName         *string `json:"display_name" validate:"omitempty,max=150"`
	Description         *string `json:"description"`
	Level               *int    `json:"level" validate:"omitempty,gte=1"`
	IsActive            *bool   `json:"is_active"`
	MaxAssignments      *int    `json:"max_assignments" validate:"omitempty,gte=1"`
	ClearMaxAssignments bool    `json:"clear_max_assignments"`
	CanAssignRoles      *bool   `json:"can_assign_roles"`
}

// ListFilters narrows role listings.
type ListFilters struct {
	IsActive     *bool
	IsSystemRole *bool
	Level        *int
	Search       string
}

// defaultDisplayName turns "billing_manager" into "Billing Manager".
// Casers keep state, so each call builds its own.
func defaultDisplayName(name string) string {
	return cases.Title(language.English).String(strings.NewReplacer("_", " ", "-", " ").Replace(name))
}
