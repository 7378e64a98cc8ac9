package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/kloudtech/ktl-billing/internal/platform/httpx"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// DecisionRecorder counts authorization outcomes.
type DecisionRecorder interface {
	RecordAuthzDecision(check, outcome string)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
	Recorder DecisionRecorder
}

// Memo installs the per-request permission memo.
func (m Middleware) Memo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithMemo(r.Context())))
	})
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("any", normalizePermissions(perms), hasAnyPermission)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("all", normalizePermissions(perms), hasAllPermissions)
}

func (m Middleware) require(check string, required []string, match func([]string, []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				m.record(check, "unauthenticated")
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			if p.IsSuperAdmin() {
				m.record(check, "bypass")
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Resolver.EffectivePermissions(r.Context(), p.UserID)
			if err != nil {
				m.logError("rbac require "+check, err)
				m.record(check, "error")
				httpx.RespondError(w, err)
				return
			}
			if match(granted, required) {
				m.record(check, "allow")
				next.ServeHTTP(w, r)
				return
			}
			m.record(check, "deny")
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

// RequireRoleAssigner admits principals allowed to hand out roles, either
// through an assigner role or the roles.assign permission.
func (m Middleware) RequireRoleAssigner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				m.record("assigner", "unauthenticated")
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			allowed, err := m.Resolver.CanAssignRoles(r.Context(), p)
			if err == nil && !allowed {
				allowed, err = m.Resolver.HasPermission(r.Context(), p.UserID, shared.PermRolesAssign)
			}
			if err != nil {
				m.logError("rbac require assigner", err)
				m.record("assigner", "error")
				httpx.RespondError(w, err)
				return
			}
			if !allowed {
				m.record("assigner", "deny")
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			m.record("assigner", "allow")
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) record(check, outcome string) {
	if m.Recorder != nil {
		m.Recorder.RecordAuthzDecision(check, outcome)
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
