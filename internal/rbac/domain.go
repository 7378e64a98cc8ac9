package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

// ErrRoleGroup rejects generic edits to a group that mirrors a role.
var ErrRoleGroup = fmt.Errorf("%w: group is managed by its role", shared.ErrConstraintViolation)

// Permission represents an atomic capability.
type Permission struct {
	ID        uuid.UUID `json:"id"`
	Codename  string    `json:"codename"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Group bundles permissions. RoleID is set when the group mirrors a role.
type Group struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	RoleID       *uuid.UUID `json:"role_id,omitempty"`
	Permissions  []string   `json:"permissions"`
	MembersCount int        `json:"members_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RoleBacked reports whether the group belongs to a role.
func (g Group) RoleBacked() bool {
	return g.RoleID != nil
}

// CreateGroupInput describes a plain permission group.
type CreateGroupInput struct {
	Name          string      `json:"name" validate:"required,max=150"`
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

const generalCategory = "general"

// GroupByPrefix buckets codes by the text before the first dot.
func GroupByPrefix(codes []string) map[string][]string {
	out := make(map[string][]string)
	for _, code := range codes {
		prefix, _, found := strings.Cut(code, ".")
		if !found || prefix == "" {
			prefix = generalCategory
		}
		out[prefix] = append(out[prefix], code)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

// normalizeCodes trims, dedupes and sorts permission codes.
func normalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DedupeIDs drops repeated ids, keeping first occurrence order.
func DedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
