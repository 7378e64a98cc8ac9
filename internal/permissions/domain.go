package permissions

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

// ErrSystemPermission guards built-in catalogue entries against deletion.
var ErrSystemPermission = fmt.Errorf("%w: system permission cannot be deleted", shared.ErrConstraintViolation)

// Category groups custom permissions for display.
type Category struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	Description      string    `json:"description"`
	Icon             string    `json:"icon"`
	SortOrder        int       `json:"sort_order"`
	PermissionsCount int       `json:"permissions_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CustomPermission is a catalogue entry backed by exactly one generic
// permission sharing its codename.
type CustomPermission struct {
	ID                 uuid.UUID  `json:"id"`
	Codename           string     `json:"codename"`
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	CategoryID         *uuid.UUID `json:"category_id"`
	CategoryName       string     `json:"category_name,omitempty"`
	PermissionID       uuid.UUID  `json:"permission_id"`
	IsSystemPermission bool       `json:"is_system_permission"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CategoryInput is accepted on category creation.
type CategoryInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=150"`
	Description string `json:"description"`
	Icon        string `json:"icon" validate:"max=50"`
	SortOrder   int    `json:"sort_order" validate:"gte=0"`
}

// CategoryPatch is a partial category update.
type CategoryPatch struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=150"`
	Description *string `json:"description"`
	Icon        *string `json:"icon" validate:"omitempty,max=50"`
	SortOrder   *int    `json:"sort_order" validate:"omitempty,gte=0"`
}

// CustomInput is accepted on custom permission creation.
type CustomInput struct {
	Codename           string     `json:"codename" validate:"required,max=100,codename"`
	Name               string     `json:"name" validate:"required,max=255"`
	Description        string     `json:"description"`
	CategoryID         *uuid.UUID `json:"category_id"`
	IsSystemPermission bool       `json:"is_system_permission"`
	IsActive           *bool      `json:"is_active"`
}

// CustomPatch is a partial custom permission update.
type CustomPatch struct {
	Codename      *string    `json:"codename" validate:"omitempty,max=100,codename"`
	Name          *string    `json:"name" validate:"omitempty,max=255"`
	Description   *string    `json:"description"`
	CategoryID    *uuid.UUID `json:"category_id"`
	ClearCategory bool       `json:"clear_category"`
	IsActive      *bool      `json:"is_active"`
}

// CustomFilters narrows custom permission listings.
type CustomFilters struct {
	IsActive           *bool
	IsSystemPermission *bool
	CategoryID         *uuid.UUID
	Search             string
}
