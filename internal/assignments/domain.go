package assignments

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyAssigned is returned by storage when the (user, role) pair key is taken.
var ErrAlreadyAssigned = errors.New("role already assigned")

// ExpiredReason is stamped on rows revoked by the expiry sweep.
const ExpiredReason = "expired"

// Assignment is one row of the user-role ledger.
type Assignment struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	RoleID           uuid.UUID  `json:"role_id"`
	IsActive         bool       `json:"is_active"`
	AssignedBy       *uuid.UUID `json:"assigned_by"`
	AssignedAt       time.Time  `json:"assigned_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	AssignmentReason string     `json:"assignment_reason"`
	RevokedBy        *uuid.UUID `json:"revoked_by"`
	RevokedAt        *time.Time `json:"revoked_at"`
	RevocationReason string     `json:"revocation_reason"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	UserLabel string `json:"user_label,omitempty"`
	RoleLabel string `json:"role_label,omitempty"`
}

// IsEffective reports whether the row grants its role at now.
func (a Assignment) IsEffective(now time.Time) bool {
	return a.IsActive && (a.ExpiresAt == nil || a.ExpiresAt.After(now))
}

func (a *Assignment) activate(by *uuid.UUID, reason string, expiresAt *time.Time, now time.Time) {
	a.IsActive = true
	a.AssignedBy = by
	a.AssignedAt = now
	a.AssignmentReason = reason
	a.ExpiresAt = expiresAt
	a.RevokedBy = nil
	a.RevokedAt = nil
	a.RevocationReason = ""
}

func (a *Assignment) revoke(by *uuid.UUID, reason string, now time.Time) {
	a.IsActive = false
	a.RevokedBy = by
	a.RevokedAt = &now
	a.RevocationReason = reason
}

// AssignRequest carries one assignment.
type AssignRequest struct {
	UserID     uuid.UUID  `json:"user_id" validate:"required"`
	RoleID     uuid.UUID  `json:"role_id" validate:"required"`
	AssignedBy *uuid.UUID `json:"-"`
	Reason     string     `json:"reason" validate:"max=500"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

// RevokeRequest carries one revocation.
type RevokeRequest struct {
	UserID    uuid.UUID  `json:"user_id" validate:"required"`
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	RevokedBy *uuid.UUID `json:"-"`
	Reason    string     `json:"reason" validate:"max=500"`
}

// BulkRequest applies one role change to many users.
type BulkRequest struct {
	UserIDs   []uuid.UUID `json:"user_ids" validate:"required,min=1,max=500"`
	RoleID    uuid.UUID   `json:"role_id" validate:"required"`
	Actor     *uuid.UUID  `json:"-"`
	Reason    string      `json:"reason" validate:"max=500"`
	ExpiresAt *time.Time  `json:"expires_at"`

	// IdempotencyKey, when set, makes a repeated request fail with shared.ErrIdempotencyConflict.
	IdempotencyKey string `json:"-"`
}

// Bulk outcome statuses.
const (
	StatusAssigned        = "assigned"
	StatusAlreadyAssigned = "already_assigned"
	StatusReactivated     = "reactivated"
	StatusRevoked         = "revoked"
	StatusNotAssigned     = "not_assigned"
	StatusFailed          = "failed"
)

// BulkResult is the outcome for one user of a bulk request.
type BulkResult struct {
	UserID       uuid.UUID  `json:"user_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	AssignmentID *uuid.UUID `json:"assignment_id,omitempty"`
}

// BulkReport lists per-user outcomes in input order.
type BulkReport struct {
	RoleID    uuid.UUID    `json:"role_id"`
	Results   []BulkResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

func (r *BulkReport) add(res BulkResult) {
	if res.Status == StatusFailed {
		r.Failed++
	} else {
		r.Succeeded++
	}
	r.Results = append(r.Results, res)
}

// ListFilters narrows ledger listings.
type ListFilters struct {
	UserID   *uuid.UUID
	RoleID   *uuid.UUID
	IsActive *bool
	Page     int
	PerPage  int
}
