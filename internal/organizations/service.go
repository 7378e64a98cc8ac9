package organizations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/platform/validate"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

// Service manages organizations and serves their settings through the cache.
type Service struct {
	repo      Repository
	settings  *cache.JSON
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService builds Service instance. settings may be nil, in which case
// every Settings call reads the database.
func NewService(repo Repository, settings *cache.JSON, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, settings: settings, logger: logger, validator: validate.New()}
}

// List returns a page of organizations. Without an is_active filter only
// active organizations are listed.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Organization, int, error) {
	if filters.IsActive == nil {
		active := true
		filters.IsActive = &active
	}
	filters.Page, filters.PerPage = shared.NormalizePage(filters.Page, filters.PerPage)
	out, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []Organization{}
	}
	return out, total, nil
}

// Get fetches an organization with its settings.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Detail, error) {
	return s.repo.Get(ctx, id)
}

// Create stores an organization and both settings rows in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (Detail, error) {
	in.CompanyName = strings.TrimSpace(in.CompanyName)
	in.CompanyCode = strings.ToUpper(strings.TrimSpace(in.CompanyCode))
	if err := validate.Struct(s.validator, in); err != nil {
		return Detail{}, err
	}
	org := Organization{
		CompanyName:             in.CompanyName,
		CompanyCode:             in.CompanyCode,
		BusinessLicense:         strings.TrimSpace(in.BusinessLicense),
		VATRegistration:         strings.TrimSpace(in.VATRegistration),
		Address:                 strings.TrimSpace(in.Address),
		ContactEmail:            strings.TrimSpace(in.ContactEmail),
		ContactPhone:            strings.TrimSpace(in.ContactPhone),
		Website:                 strings.TrimSpace(in.Website),
		LogoImg:                 strings.TrimSpace(in.LogoImg),
		RevenueSharingEnabled:   true,
		DefaultResellerShare:    DefaultResellerShare,
		DefaultSubResellerShare: DefaultSubResellerShare,
		AutoApprovalEnabled:     in.AutoApprovalEnabled,
		IsActive:                true,
	}
	if in.RevenueSharingEnabled != nil {
		org.RevenueSharingEnabled = *in.RevenueSharingEnabled
	}
	if in.DefaultResellerShare != nil {
		org.DefaultResellerShare = *in.DefaultResellerShare
	}
	if in.DefaultSubResellerShare != nil {
		org.DefaultSubResellerShare = *in.DefaultSubResellerShare
	}
	settings := Settings{Billing: DefaultBillingSettings()}
	in.Billing.apply(&settings.Billing)
	in.Sync.apply(&settings.Sync)

	var out Detail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.Insert(ctx, org)
		if err != nil {
			return err
		}
		settings.OrganizationID = created.ID
		if err := tx.InsertSettings(ctx, settings); err != nil {
			return err
		}
		out = Detail{Organization: created, Billing: settings.Billing, Sync: settings.Sync}
		return nil
	})
	if err != nil {
		return Detail{}, fmt.Errorf("create organization: %w", err)
	}
	s.logger.Info("organization created",
		slog.String("module", "organizations"),
		slog.String("organization_id", out.ID.String()),
		slog.String("company_code", out.CompanyCode),
	)
	return out, nil
}

// Update applies a partial update to the organization and its settings.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (Detail, error) {
	if err := validate.Struct(s.validator, in); err != nil {
		return Detail{}, err
	}
	var out Detail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		org := current.Organization
		if in.CompanyName != nil {
			if org.CompanyName = strings.TrimSpace(*in.CompanyName); org.CompanyName == "" {
				return shared.NewValidationError(map[string]string{"company_name": "is required"})
			}
		}
		if in.CompanyCode != nil {
			if org.CompanyCode = strings.ToUpper(strings.TrimSpace(*in.CompanyCode)); org.CompanyCode == "" {
				return shared.NewValidationError(map[string]string{"company_code": "is required"})
			}
		}
		setString(&org.BusinessLicense, in.BusinessLicense)
		setString(&org.VATRegistration, in.VATRegistration)
		setString(&org.Address, in.Address)
		setString(&org.ContactEmail, in.ContactEmail)
		setString(&org.ContactPhone, in.ContactPhone)
		setString(&org.Website, in.Website)
		setString(&org.LogoImg, in.LogoImg)
		setBool(&org.RevenueSharingEnabled, in.RevenueSharingEnabled)
		if in.DefaultResellerShare != nil {
			org.DefaultResellerShare = *in.DefaultResellerShare
		}
		if in.DefaultSubResellerShare != nil {
			org.DefaultSubResellerShare = *in.DefaultSubResellerShare
		}
		setBool(&org.AutoApprovalEnabled, in.AutoApprovalEnabled)
		setBool(&org.IsActive, in.IsActive)

		updated, err := tx.Update(ctx, org)
		if err != nil {
			return err
		}
		out = Detail{Organization: updated, Billing: current.Billing, Sync: current.Sync}
		if in.Billing == nil && in.Sync == nil {
			return nil
		}
		in.Billing.apply(&out.Billing)
		in.Sync.apply(&out.Sync)
		return tx.SaveSettings(ctx, Settings{OrganizationID: id, Billing: out.Billing, Sync: out.Sync})
	})
	if err != nil {
		return Detail{}, fmt.Errorf("update organization: %w", err)
	}
	s.invalidate(ctx, id)
	return out, nil
}

// Delete deactivates the organization. Rows are kept.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Deactivate(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	s.invalidate(ctx, id)
	s.logger.Info("organization deactivated", slog.String("module", "organizations"), slog.String("organization_id", id.String()))
	return nil
}

// Settings returns the settings of an active organization, cached per id.
func (s *Service) Settings(ctx context.Context, id uuid.UUID) (Settings, error) {
	var out Settings
	err := s.settings.Fetch(ctx, id.String(), &out, func(ctx context.Context) (any, error) {
		return s.repo.Settings(ctx, id)
	})
	if err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.settings.Delete(ctx, id.String()); err != nil {
		s.logger.Warn("invalidate organization settings", slog.String("organization_id", id.String()), slog.Any("error", err))
	}
}
