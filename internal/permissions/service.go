package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Service manages the permission catalogue.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService builds Service instance.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, validator: validate.New()}
}

// ListCategories returns categories ordered by sort order then name.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	out, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Category{}
	}
	return out, nil
}

// GetCategory fetches one category.
func (s *Service) GetCategory(ctx context.Context, id uuid.UUID) (Category, error) {
	return s.repo.GetCategory(ctx, id)
}

// CreateCategory stores a new category.
func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validate.Struct(s.validator, in); err != nil {
		return Category{}, err
	}
	var created Category
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertCategory(ctx, Category{
			Name:        in.Name,
			DisplayName: in.DisplayName,
			Description: strings.TrimSpace(in.Description),
			Icon:        strings.TrimSpace(in.Icon),
			SortOrder:   in.SortOrder,
		})
		return err
	})
	if err != nil {
		return Category{}, fmt.Errorf("create category: %w", err)
	}
	s.logger.Info("permission category created",
		slog.String("module", "permissions"),
		slog.String("category_id", created.ID.String()),
		slog.String("name", created.Name),
	)
	return created, nil
}

// UpdateCategory applies a partial update.
func (s *Service) UpdateCategory(ctx context.Context, id uuid.UUID, in CategoryPatch) (Category, error) {
	if err := validate.Struct(s.validator, in); err != nil {
		return Category{}, err
	}
	var updated Category
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.LockCategory(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			if c.Name = strings.TrimSpace(*in.Name); c.Name == "" {
				return shared.NewValidationError(map[string]string{"name": "is required"})
			}
		}
		if in.DisplayName != nil {
			if c.DisplayName = strings.TrimSpace(*in.DisplayName); c.DisplayName == "" {
				return shared.NewValidationError(map[string]string{"display_name": "is required"})
			}
		}
		if in.Description != nil {
			c.Description = strings.TrimSpace(*in.Description)
		}
		if in.Icon != nil {
			c.Icon = strings.TrimSpace(*in.Icon)
		}
		if in.SortOrder != nil {
			c.SortOrder = *in.SortOrder
		}
		updated, err = tx.UpdateCategory(ctx, c)
		return err
	})
	if err != nil {
		return Category{}, fmt.Errorf("update category: %w", err)
	}
	return updated, nil
}

// DeleteCategory removes a category; its permissions stay uncategorised.
func (s *Service) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteCategory(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	s.logger.Info("permission category deleted", slog.String("module", "permissions"), slog.String("category_id", id.String()))
	return nil
}

// ListCustom returns custom permissions matching filters.
func (s *Service) ListCustom(ctx context.Context, filters CustomFilters) ([]CustomPermission, error) {
	out, err := s.repo.ListCustom(ctx, filters)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []CustomPermission{}
	}
	return out, nil
}

// GetCustom fetches one custom permission.
func (s *Service) GetCustom(ctx context.Context, id uuid.UUID) (CustomPermission, error) {
	return s.repo.GetCustom(ctx, id)
}

// CreateCustom stores a custom permission together with the generic
// permission it mirrors. An existing generic permission with the same
// codename is reused.
func (s *Service) CreateCustom(ctx context.Context, in CustomInput) (CustomPermission, error) {
	in.Codename = strings.TrimSpace(in.Codename)
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(s.validator, in); err != nil {
		return CustomPermission{}, err
	}
	p := CustomPermission{
		Codename:           in.Codename,
		Name:               in.Name,
		Description:        strings.TrimSpace(in.Description),
		CategoryID:         in.CategoryID,
		IsSystemPermission: in.IsSystemPermission,
		IsActive:           true,
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}

	var created CustomPermission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if p.CategoryID != nil {
			if _, err := tx.LockCategory(ctx, *p.CategoryID); err != nil {
				return fmt.Errorf("category: %w", err)
			}
		}
		generic, err := tx.EnsurePermission(ctx, p.Codename, p.Name)
		if err != nil {
			return err
		}
		p.PermissionID = generic.ID
		created, err = tx.InsertCustom(ctx, p)
		return err
	})
	if err != nil {
		return CustomPermission{}, fmt.Errorf("create custom permission: %w", err)
	}
	s.logger.Info("custom permission created",
		slog.String("module", "permissions"),
		slog.String("custom_permission_id", created.ID.String()),
		slog.String("codename", created.Codename),
		slog.String("permission_id", created.PermissionID.String()),
	)
	return created, nil
}

// UpdateCustom applies a partial update. Codename and name changes are
// carried over to the mirrored generic permission.
func (s *Service) UpdateCustom(ctx context.Context, id uuid.UUID, in CustomPatch) (CustomPermission, error) {
	if in.Codename != nil {
		trimmed := strings.TrimSpace(*in.Codename)
		in.Codename = &trimmed
	}
	if err := validate.Struct(s.validator, in); err != nil {
		return CustomPermission{}, err
	}
	var updated CustomPermission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockCustom(ctx, id)
		if err != nil {
			return err
		}
		codename, name := p.Codename, p.Name
		if in.Codename != nil && *in.Codename != "" {
			p.Codename = *in.Codename
		}
		if in.Name != nil {
			if p.Name = strings.TrimSpace(*in.Name); p.Name == "" {
				return shared.NewValidationError(map[string]string{"name": "is required"})
			}
		}
		if in.Description != nil {
			p.Description = strings.TrimSpace(*in.Description)
		}
		switch {
		case in.ClearCategory:
			p.CategoryID = nil
		case in.CategoryID != nil:
			if _, err := tx.LockCategory(ctx, *in.CategoryID); err != nil {
				return fmt.Errorf("category: %w", err)
			}
			p.CategoryID = in.CategoryID
		}
		if in.IsActive != nil {
			p.IsActive = *in.IsActive
		}
		if p.Codename != codename || p.Name != name {
			if err := tx.RenamePermission(ctx, p.PermissionID, p.Codename, p.Name); err != nil {
				return err
			}
		}
		updated, err = tx.UpdateCustom(ctx, p)
		return err
	})
	if err != nil {
		return CustomPermission{}, fmt.Errorf("update custom permission: %w", err)
	}
	return updated, nil
}

// DeleteCustom removes the catalogue entry. The generic permission and any
// grants of it are kept.
func (s *Service) DeleteCustom(ctx context.Context, id uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.LockCustom(ctx, id)
		if err != nil {
			return err
		}
		if p.IsSystemPermission {
			return ErrSystemPermission
		}
		return tx.DeleteCustom(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete custom permission: %w", err)
	}
	s.logger.Info("custom permission deleted", slog.String("module", "permissions"), slog.String("custom_permission_id", id.String()))
	return nil
}
