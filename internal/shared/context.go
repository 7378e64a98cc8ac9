package shared

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Principal describes the authenticated caller of a request.
type Principal struct {
	UserID   uuid.UUID
	LoginID  string
	UserType string

	// TokenID and TokenExpiresAt identify the bearer token the request used.
	TokenID        string
	TokenExpiresAt time.Time
}

// IsSuperAdmin reports whether the principal bypasses permission checks.
func (p Principal) IsSuperAdmin() bool {
	return p.UserType == "super_admin"
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.UserID == uuid.Nil {
		return Principal{}, false
	}
	return p, true
}
