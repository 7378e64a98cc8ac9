package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

type memoKey struct{}

// memo holds permission sets resolved during a single request.
type memo struct {
	mu    sync.Mutex
	perms map[uuid.UUID][]string
}

// WithMemo returns a context in which repeated EffectivePermissions calls for
// the same user hit storage once. Nothing is kept beyond the context.
func WithMemo(ctx context.Context) context.Context {
	if _, ok := ctx.Value(memoKey{}).(*memo); ok {
		return ctx
	}
	return context.WithValue(ctx, memoKey{}, &memo{perms: make(map[uuid.UUID][]string)})
}

// Resolver computes what a user may do.
type Resolver struct {
	src Source
	now func() time.Time
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a Resolver reading from src.
func NewResolver(src Source, opts ...ResolverOption) *Resolver {
	r := &Resolver{src: src, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectivePermissions returns the sorted, deduplicated permission codes of a user.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	m, _ := ctx.Value(memoKey{}).(*memo)
	if m != nil {
		m.mu.Lock()
		cached, ok := m.perms[userID]
		m.mu.Unlock()
		if ok {
			return cached, nil
		}
	}
	codes, err := r.src.EffectivePermissions(ctx, userID, r.now())
	if err != nil {
		return nil, fmt.Errorf("rbac: resolve permissions: %w", err)
	}
	codes = normalizeCodes(codes)
	if m != nil {
		m.mu.Lock()
		m.perms[userID] = codes
		m.mu.Unlock()
	}
	return codes, nil
}

// HasPermission reports whether code is among the user's effective permissions.
func (r *Resolver) HasPermission(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	codes, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return hasAnyPermission(codes, normalizePermissions([]string{code})), nil
}

// GroupedPermissions returns effective permissions bucketed by prefix.
func (r *Resolver) GroupedPermissions(ctx context.Context, userID uuid.UUID) (map[string][]string, error) {
	codes, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return GroupByPrefix(codes), nil
}

// HasRole reports an active, unexpired assignment to the named role.
func (r *Resolver) HasRole(ctx context.Context, userID uuid.UUID, roleName string) (bool, error) {
	ok, err := r.src.HasRole(ctx, userID, roleName, r.now())
	if err != nil {
		return false, fmt.Errorf("rbac: has role: %w", err)
	}
	return ok, nil
}

// RoleNames lists the roles currently in force for a user.
func (r *Resolver) RoleNames(ctx context.Context, userID uuid.UUID) ([]string, error) {
	names, err := r.src.ActiveRoleNames(ctx, userID, r.now())
	if err != nil {
		return nil, fmt.Errorf("rbac: role names: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// CanAssignRoles reports whether the principal may hand out roles.
func (r *Resolver) CanAssignRoles(ctx context.Context, p shared.Principal) (bool, error) {
	if p.IsSuperAdmin() {
		return true, nil
	}
	ok, err := r.src.CanAssignRoles(ctx, p.UserID, r.now())
	if err != nil {
		return false, fmt.Errorf("rbac: can assign roles: %w", err)
	}
	return ok, nil
}
