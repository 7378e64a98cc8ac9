package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Assignments returns the ledger view of the store.
func (s *Store) Assignments() assignments.Repository {
	return ledgerRepo{s: s}
}

type ledgerRepo struct {
	s *Store
}

type ledgerTx struct {
	d   *data
	now time.Time
}

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, assignments.TxRepository) error) error {
	return r.s.write(func(d *data) error {
		return fn(ctx, &ledgerTx{d: d, now: r.s.now()})
	})
}

func (r ledgerRepo) Get(_ context.Context, id uuid.UUID) (assignments.Assignment, error) {
	var (
		a  assignments.Assignment
		ok bool
	)
	r.s.read(func(d *data) { a, ok = d.ledger[id] })
	if !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	return a, nil
}

func (r ledgerRepo) FindByPair(_ context.Context, userID, roleID uuid.UUID) (assignments.Assignment, error) {
	var (
		a  assignments.Assignment
		ok bool
	)
	r.s.read(func(d *data) { a, ok = d.findPair(userID, roleID) })
	if !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	return a, nil
}

func (d *data) findPair(userID, roleID uuid.UUID) (assignments.Assignment, bool) {
	for _, a := range d.ledger {
		if a.UserID == userID && a.RoleID == roleID {
			return a, true
		}
	}
	return assignments.Assignment{}, false
}

func (r ledgerRepo) List(_ context.Context, f assignments.ListFilters) ([]assignments.Assignment, int, error) {
	var all []assignments.Assignment
	r.s.read(func(d *data) {
		for _, a := range d.ledger {
			if f.UserID != nil && a.UserID != *f.UserID {
				continue
			}
			if f.RoleID != nil && a.RoleID != *f.RoleID {
				continue
			}
			if f.IsActive != nil && a.IsActive != *f.IsActive {
				continue
			}
			all = append(all, a)
		}
	})
	sort.Slice(all, func(i, j int) bool {
		if !all[i].AssignedAt.Equal(all[j].AssignedAt) {
			return all[i].AssignedAt.After(all[j].AssignedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	page, perPage := shared.NormalizePage(f.Page, f.PerPage)
	start := shared.Offset(page, perPage)
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := min(start+perPage, len(all))
	return all[start:end], len(all), nil
}

func (r ledgerRepo) DueForExpiry(_ context.Context, now time.Time, limit int) ([]assignments.Assignment, error) {
	var due []assignments.Assignment
	r.s.read(func(d *data) {
		for _, a := range d.ledger {
			if a.IsActive && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
				due = append(due, a)
			}
		}
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (t *ledgerTx) LockPair(_ context.Context, userID, roleID uuid.UUID) (assignments.Assignment, error) {
	a, ok := t.d.findPair(userID, roleID)
	if !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	return a, nil
}

func (t *ledgerTx) LockByID(_ context.Context, id uuid.UUID) (assignments.Assignment, error) {
	a, ok := t.d.ledger[id]
	if !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	return a, nil
}

func (t *ledgerTx) Insert(_ context.Context, a assignments.Assignment) (assignments.Assignment, error) {
	if _, ok := t.d.users[a.UserID]; !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	if _, ok := t.d.roles[a.RoleID]; !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	if _, taken := t.d.findPair(a.UserID, a.RoleID); taken {
		return assignments.Assignment{}, assignments.ErrAlreadyAssigned
	}
	a.ID = uuid.New()
	a.CreatedAt = t.now
	a.UpdatedAt = t.now
	t.d.ledger[a.ID] = a
	return a, nil
}

func (t *ledgerTx) Save(_ context.Context, a assignments.Assignment) (assignments.Assignment, error) {
	current, ok := t.d.ledger[a.ID]
	if !ok {
		return assignments.Assignment{}, shared.ErrNotFound
	}
	a.UserID = current.UserID
	a.RoleID = current.RoleID
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = t.now
	a.UserLabel, a.RoleLabel = "", ""
	t.d.ledger[a.ID] = a
	return a, nil
}

func (t *ledgerTx) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := t.d.ledger[id]; !ok {
		return shared.ErrNotFound
	}
	delete(t.d.ledger, id)
	return nil
}

func (t *ledgerTx) LockRole(_ context.Context, roleID uuid.UUID) (*int, error) {
	role, ok := t.d.roles[roleID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return role.MaxAssignments, nil
}

func (t *ledgerTx) CountActive(_ context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	return t.d.countActive(roleID, now), nil
}

func (t *ledgerTx) AddMember(_ context.Context, userID, groupID uuid.UUID) error {
	return t.d.addMember(userID, groupID)
}

func (t *ledgerTx) RemoveMember(_ context.Context, userID, groupID uuid.UUID) error {
	t.d.removeMember(userID, groupID)
	return nil
}
