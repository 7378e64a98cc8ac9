// Package assignments keeps the user-role ledger and the role group memberships it implies.
package assignments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

// RoleReader resolves roles for the ledger.
type RoleReader interface {
	GetRole(ctx context.Context, id uuid.UUID) (roles.Role, error)
}

// UserReader resolves users for the ledger.
type UserReader interface {
	GetUser(ctx context.Context, id uuid.UUID) (users.User, error)
}

type labelSource interface {
	Labels(ctx context.Context, kind labels.Kind, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Option customises Service.
type Option func(*Service)

// WithAudit records ledger mutations in the audit log.
func WithAudit(rec shared.AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithIdempotency enables Idempotency-Key handling on bulk requests.
func WithIdempotency(guard shared.IdempotencyGuard) Option {
	return func(s *Service) {
		s.idempotency = guard
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service applies assignments and revocations. Every ledger change and the
// matching group membership change commit in one transaction.
type Service struct {
	repo        Repository
	roles       RoleReader
	users       UserReader
	labels      labelSource
	audit       shared.AuditRecorder
	idempotency shared.IdempotencyGuard
	logger      *slog.Logger
	validator   *validator.Validate
	now         func() time.Time
}

var _ users.RoleAssigner = (*Service)(nil)

// NewService builds Service instance. labels may be nil.
func NewService(repo Repository, roleReader RoleReader, userReader UserReader, labels labelSource, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		roles:     roleReader,
		users:     userReader,
		labels:    labels,
		audit:     shared.NopAudit{},
		logger:    logger,
		validator: validate.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assign gives the user the role. created is true only when a new ledger row
// was inserted. An effective row is returned unchanged; a revoked or expired
// row is reactivated in place.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Assignment, bool, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validate.Struct(s.validator, req); err != nil {
		return Assignment{}, false, err
	}
	role, err := s.activeRole(ctx, req.RoleID)
	if err != nil {
		return Assignment{}, false, err
	}
	a, status, err := s.assign(ctx, role, req)
	if err != nil {
		return Assignment{}, false, err
	}
	return a, status == StatusAssigned, nil
}

// Revoke deactivates the pair's row and drops the group membership. It returns
// the number of rows revoked: 0 when nothing was active, otherwise 1.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (int, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validate.Struct(s.validator, req); err != nil {
		return 0, err
	}
	role, err := s.roles.GetRole(ctx, req.RoleID)
	if err != nil {
		return 0, fmt.Errorf("revoke role: %w", err)
	}
	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		return 0, fmt.Errorf("revoke role: %w", err)
	}
	return s.revoke(ctx, role, req)
}

// BulkAssign assigns one role to many users. The role is checked once; each
// user runs in its own transaction and a failure only marks that user's entry.
func (s *Service) BulkAssign(ctx context.Context, req BulkRequest) (BulkReport, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validate.Struct(s.validator, req); err != nil {
		return BulkReport{}, err
	}
	role, err := s.activeRole(ctx, req.RoleID)
	if err != nil {
		return BulkReport{}, err
	}
	if err := s.claim(ctx, req.IdempotencyKey, "assignments.bulk_assign"); err != nil {
		return BulkReport{}, err
	}
	report := BulkReport{RoleID: role.ID, Results: make([]BulkResult, 0, len(req.UserIDs))}
	for _, userID := range req.UserIDs {
		a, status, err := s.assign(ctx, role, AssignRequest{
			UserID:     userID,
			RoleID:     role.ID,
			AssignedBy: req.Actor,
			Reason:     req.Reason,
			ExpiresAt:  req.ExpiresAt,
		})
		report.add(bulkEntry(userID, a, status, err))
	}
	s.logger.Info("bulk role assignment",
		slog.String("event", "roles_bulk_assigned"),
		slog.String("module", "assignments"),
		slog.String("role_id", role.ID.String()),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// BulkRevoke revokes one role from many users with the same per-user isolation as BulkAssign.
func (s *Service) BulkRevoke(ctx context.Context, req BulkRequest) (BulkReport, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validate.Struct(s.validator, req); err != nil {
		return BulkReport{}, err
	}
	role, err := s.roles.GetRole(ctx, req.RoleID)
	if err != nil {
		return BulkReport{}, fmt.Errorf("bulk revoke: %w", err)
	}
	if err := s.claim(ctx, req.IdempotencyKey, "assignments.bulk_revoke"); err != nil {
		return BulkReport{}, err
	}
	report := BulkReport{RoleID: role.ID, Results: make([]BulkResult, 0, len(req.UserIDs))}
	for _, userID := range req.UserIDs {
		if _, err := s.users.GetUser(ctx, userID); err != nil {
			report.add(bulkEntry(userID, Assignment{}, "", err))
			continue
		}
		n, err := s.revoke(ctx, role, RevokeRequest{UserID: userID, RoleID: role.ID, RevokedBy: req.Actor, Reason: req.Reason})
		status := StatusRevoked
		if n == 0 {
			status = StatusNotAssigned
		}
		report.add(bulkEntry(userID, Assignment{}, status, err))
	}
	s.logger.Info("bulk role revocation",
		slog.String("event", "roles_bulk_revoked"),
		slog.String("module", "assignments"),
		slog.String("role_id", role.ID.String()),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// AssignRoles gives a freshly created user its initial roles.
func (s *Service) AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID, actor uuid.UUID) error {
	var by *uuid.UUID
	if actor != uuid.Nil {
		by = &actor
	}
	var errs []error
	for _, roleID := range roleIDs {
		if _, _, err := s.Assign(ctx, AssignRequest{UserID: userID, RoleID: roleID, AssignedBy: by, Reason: "initial roles"}); err != nil {
			errs = append(errs, fmt.Errorf("role %s: %w", roleID, err))
		}
	}
	return errors.Join(errs...)
}

// Delete hard-deletes a ledger row and removes the matching group membership.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor *uuid.UUID) error {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	role, err := s.roles.GetRole(ctx, a.RoleID)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockByID(ctx, id); err != nil {
			return err
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		return tx.RemoveMember(ctx, a.UserID, role.GroupID)
	})
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	s.record(ctx, "role.assignment_deleted", actor, a, nil)
	return nil
}

// Get fetches one ledger row.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Assignment, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of ledger rows, newest first, labelled for display.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Assignment, int, error) {
	rows, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	if rows == nil {
		rows = []Assignment{}
	}
	s.decorate(ctx, rows)
	return rows, total, nil
}

// ExpireDue revokes up to limit active rows whose expiry has passed. Each row
// is revoked in its own transaction; failures are collected and do not stop the sweep.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.repo.DueForExpiry(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	groups := make(map[uuid.UUID]uuid.UUID)
	var (
		expired int
		errs    []error
	)
	for _, candidate := range due {
		groupID, ok := groups[candidate.RoleID]
		if !ok {
			role, err := s.roles.GetRole(ctx, candidate.RoleID)
			if err != nil {
				errs = append(errs, fmt.Errorf("assignment %s: %w", candidate.ID, err))
				continue
			}
			groupID = role.GroupID
			groups[candidate.RoleID] = groupID
		}
		var revoked bool
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			a, err := tx.LockByID(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !a.IsActive || a.IsEffective(now) {
				return nil
			}
			a.revoke(nil, ExpiredReason, now)
			if _, err := tx.Save(ctx, a); err != nil {
				return err
			}
			revoked = true
			return tx.RemoveMember(ctx, a.UserID, groupID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("assignment %s: %w", candidate.ID, err))
			continue
		}
		if revoked {
			expired++
			s.record(ctx, "role.expired", nil, candidate, nil)
		}
	}
	if expired > 0 || len(errs) > 0 {
		s.logger.Info("role assignments expired",
			slog.String("event", "roles_expired"),
			slog.String("module", "assignments"),
			slog.Int("expired", expired),
			slog.Int("failed", len(errs)),
		)
	}
	return expired, errors.Join(errs...)
}

// claim records the idempotency key once the request has passed validation.
// Per-user failures do not release it; the report already describes them.
func (s *Service) claim(ctx context.Context, key, module string) error {
	if key == "" || s.idempotency == nil {
		return nil
	}
	return s.idempotency.CheckAndInsert(ctx, key, module)
}

func (s *Service) activeRole(ctx context.Context, id uuid.UUID) (roles.Role, error) {
	role, err := s.roles.GetRole(ctx, id)
	if err != nil {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, err)
	}
	if !role.IsActive {
		return roles.Role{}, fmt.Errorf("%w: %s", shared.ErrInactiveRole, role.Name)
	}
	return role, nil
}

func (s *Service) assign(ctx context.Context, role roles.Role, req AssignRequest) (Assignment, string, error) {
	user, err := s.users.GetUser(ctx, req.UserID)
	if err != nil {
		return Assignment{}, "", fmt.Errorf("user %s: %w", req.UserID, err)
	}
	if !user.IsActive {
		return Assignment{}, "", fmt.Errorf("%w: %s", shared.ErrInactiveUser, user.LoginID)
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return Assignment{}, "", shared.NewValidationError(map[string]string{"expires_at": "must be in the future"})
	}

	var (
		out    Assignment
		status string
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.LockPair(ctx, user.ID, role.ID)
		switch {
		case err == nil && existing.IsEffective(now):
			out, status = existing, StatusAlreadyAssigned
			return tx.AddMember(ctx, user.ID, role.GroupID)
		case err == nil:
			if err := s.checkCap(ctx, tx, role, now); err != nil {
				return err
			}
			existing.activate(req.AssignedBy, req.Reason, req.ExpiresAt, now)
			if out, err = tx.Save(ctx, existing); err != nil {
				return err
			}
			status = StatusReactivated
			return tx.AddMember(ctx, user.ID, role.GroupID)
		case errors.Is(err, shared.ErrNotFound):
			if err := s.checkCap(ctx, tx, role, now); err != nil {
				return err
			}
			row := Assignment{UserID: user.ID, RoleID: role.ID}
			row.activate(req.AssignedBy, req.Reason, req.ExpiresAt, now)
			if out, err = tx.Insert(ctx, row); err != nil {
				return err
			}
			status = StatusAssigned
			return tx.AddMember(ctx, user.ID, role.GroupID)
		default:
			return err
		}
	})
	if errors.Is(err, ErrAlreadyAssigned) {
		// Lost the insert race; the winner's row stands.
		out, err = s.repo.FindByPair(ctx, user.ID, role.ID)
		if err != nil {
			return Assignment{}, "", fmt.Errorf("assign role: %w", err)
		}
		return out, StatusAlreadyAssigned, nil
	}
	if err != nil {
		return Assignment{}, "", fmt.Errorf("assign role: %w", err)
	}
	if status != StatusAlreadyAssigned {
		s.logger.Info("role assigned",
			slog.String("event", "role_assigned"),
			slog.String("module", "assignments"),
			slog.String("user_id", user.ID.String()),
			slog.String("role", role.Name),
			slog.String("status", status),
		)
		s.record(ctx, "role.assigned", req.AssignedBy, out, map[string]any{"status": status})
	}
	return out, status, nil
}

func (s *Service) revoke(ctx context.Context, role roles.Role, req RevokeRequest) (int, error) {
	now := s.now()
	var (
		revoked int
		out     Assignment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.LockPair(ctx, req.UserID, role.ID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.IsActive {
			existing.revoke(req.RevokedBy, req.Reason, now)
			if out, err = tx.Save(ctx, existing); err != nil {
				return err
			}
			revoked = 1
		}
		return tx.RemoveMember(ctx, req.UserID, role.GroupID)
	})
	if err != nil {
		return 0, fmt.Errorf("revoke role: %w", err)
	}
	if revoked > 0 {
		s.logger.Info("role revoked",
			slog.String("event", "role_revoked"),
			slog.String("module", "assignments"),
			slog.String("user_id", req.UserID.String()),
			slog.String("role", role.Name),
		)
		s.record(ctx, "role.revoked", req.RevokedBy, out, nil)
	}
	return revoked, nil
}

func (s *Service) checkCap(ctx context.Context, tx TxRepository, role roles.Role, now time.Time) error {
	if role.MaxAssignments == nil {
		return nil
	}
	limit, err := tx.LockRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if limit == nil {
		return nil
	}
	n, err := tx.CountActive(ctx, role.ID, now)
	if err != nil {
		return err
	}
	if n >= *limit {
		return fmt.Errorf("%w: role %s allows at most %d assignments", shared.ErrConstraintViolation, role.Name, *limit)
	}
	return nil
}

func (s *Service) decorate(ctx context.Context, rows []Assignment) {
	if s.labels == nil || len(rows) == 0 {
		return
	}
	userIDs := make([]uuid.UUID, 0, len(rows))
	roleIDs := make([]uuid.UUID, 0, len(rows))
	for _, a := range rows {
		userIDs = append(userIDs, a.UserID)
		roleIDs = append(roleIDs, a.RoleID)
	}
	userLabels, err := s.labels.Labels(ctx, labels.KindUser, userIDs)
	if err != nil {
		s.logger.Warn("user labels", slog.Any("error", err))
	}
	roleLabels, err := s.labels.Labels(ctx, labels.KindRole, roleIDs)
	if err != nil {
		s.logger.Warn("role labels", slog.Any("error", err))
	}
	for i := range rows {
		rows[i].UserLabel = userLabels[rows[i].UserID]
		rows[i].RoleLabel = roleLabels[rows[i].RoleID]
	}
}

func (s *Service) record(ctx context.Context, action string, actor *uuid.UUID, a Assignment, meta map[string]any) {
	if meta == nil {
		meta = make(map[string]any, 3)
	}
	meta["user_id"] = a.UserID.String()
	meta["role_id"] = a.RoleID.String()
	if a.RevocationReason != "" {
		meta["reason"] = a.RevocationReason
	} else if a.AssignmentReason != "" {
		meta["reason"] = a.AssignmentReason
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   "user_role",
		EntityID: a.ID.String(),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit assignment", slog.String("action", action), slog.Any("error", err))
	}
}

func bulkEntry(userID uuid.UUID, a Assignment, status string, err error) BulkResult {
	if err != nil {
		return BulkResult{UserID: userID, Status: StatusFailed, Error: err.Error()}
	}
	res := BulkResult{UserID: userID, Status: status}
	if a.ID != uuid.Nil {
		id := a.ID
		res.AssignmentID = &id
	}
	return res
}
