package geo

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/shared"
)

const summaryKey = "summary"

//go:embed locations.json
var bundledLocations []byte

// BundledLocations returns the district and thana list shipped with the binary.
func BundledLocations() ([]DistrictSeed, error) {
	var out []DistrictSeed
	if err := json.Unmarshal(bundledLocations, &out); err != nil {
		return nil, fmt.Errorf("decode bundled locations: %w", err)
	}
	return out, nil
}

// Service serves district and thana lookups.
type Service struct {
	repo   Repository
	cache  *cache.JSON
	logger *slog.Logger
}

// NewService builds Service instance. summary may be nil.
func NewService(repo Repository, summary *cache.JSON, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: summary, logger: logger}
}

func activeByDefault(v *bool) *bool {
	if v != nil {
		return v
	}
	active := true
	return &active
}

// ListDistricts returns districts by name. Only active ones unless filtered otherwise.
func (s *Service) ListDistricts(ctx context.Context, filters DistrictFilters) ([]District, error) {
	filters.IsActive = activeByDefault(filters.IsActive)
	out, err := s.repo.ListDistricts(ctx, filters)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []District{}
	}
	return out, nil
}

// GetDistrict fetches one district.
func (s *Service) GetDistrict(ctx context.Context, id uuid.UUID) (District, error) {
	return s.repo.GetDistrict(ctx, id)
}

// ListThanas returns thanas ordered by district then name.
func (s *Service) ListThanas(ctx context.Context, filters ThanaFilters) ([]Thana, error) {
	filters.IsActive = activeByDefault(filters.IsActive)
	out, err := s.repo.ListThanas(ctx, filters)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Thana{}
	}
	return out, nil
}

// DistrictThanas returns the active thanas of an active district.
func (s *Service) DistrictThanas(ctx context.Context, districtID uuid.UUID) (DistrictThanas, error) {
	d, err := s.repo.GetDistrict(ctx, districtID)
	if err != nil {
		return DistrictThanas{}, err
	}
	if !d.IsActive {
		return DistrictThanas{}, shared.ErrNotFound
	}
	thanas, err := s.ListThanas(ctx, ThanaFilters{DistrictID: &districtID})
	if err != nil {
		return DistrictThanas{}, err
	}
	return DistrictThanas{
		District: DistrictRef{ID: d.ID, Name: d.Name, NameBN: d.NameBN, Code: d.Code},
		Thanas:   thanas,
	}, nil
}

// Summary counts districts and thanas. Results are cached until the next import.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := s.cache.Fetch(ctx, summaryKey, &out, func(ctx context.Context) (any, error) {
		var sum Summary
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) { sum.Districts, err = s.repo.CountDistricts(ctx); return })
		g.Go(func() (err error) { sum.Thanas, err = s.repo.CountThanas(ctx); return })
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("locations summary: %w", err)
		}
		sum.TotalLocations = sum.Districts.Active + sum.Thanas.Active
		return sum, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return out, nil
}

// Import inserts the missing districts and thanas from seeds in one
// transaction. Existing rows are left untouched, so repeated imports are no-ops.
func (s *Service) Import(ctx context.Context, seeds []DistrictSeed) (ImportResult, error) {
	for i, seed := range seeds {
		if strings.TrimSpace(seed.Name) == "" || strings.TrimSpace(seed.Code) == "" {
			return ImportResult{}, shared.Invalid("district %d: name and code are required", i)
		}
	}
	var res ImportResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res = ImportResult{}
		for _, seed := range seeds {
			id, created, err := tx.EnsureDistrict(ctx, seed)
			if err != nil {
				return err
			}
			if created {
				res.Districts++
			}
			for i, name := range seed.Thanas {
				ok, err := tx.InsertThana(ctx, id, strings.TrimSpace(name), fmt.Sprintf("%s-%02d", seed.Code, i+1))
				if err != nil {
					return err
				}
				if ok {
					res.Thanas++
				}
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import locations: %w", err)
	}
	if err := s.cache.Delete(ctx, summaryKey); err != nil {
		s.logger.Warn("invalidate locations summary", slog.Any("error", err))
	}
	s.logger.Info("locations imported",
		slog.String("module", "geo"),
		slog.Int("districts", res.Districts),
		slog.Int("thanas", res.Thanas),
	)
	return res, nil
}
