package app

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/geo"
	"github.com/kloudtech/ktl-billing/internal/labels"
	"github.com/kloudtech/ktl-billing/internal/organizations"
	"github.com/kloudtech/ktl-billing/internal/permissions"
	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

// Services is the set of domain services shared by the API and the worker.
type Services struct {
	UsersRepo     *users.PGRepository
	Users         *users.Service
	Roles         *roles.Service
	Assignments   *assignments.Service
	RBAC          *rbac.Service
	Resolver      *rbac.Resolver
	Permissions   *permissions.Service
	Organizations *organizations.Service
	Geo           *geo.Service
	Labels        *labels.Cache
	Idempotency   *shared.IdempotencyStore
}

// NewServices wires repositories, caches and services. redisClient may be nil,
// in which case every cache reads through to Postgres.
func NewServices(pool *pgxpool.Pool, redisClient *redis.Client, cfg *Config, logger *slog.Logger) *Services {
	labelTTL, settingsTTL := 10*time.Minute, 5*time.Minute
	if cfg != nil {
		if cfg.LabelCacheTTL > 0 {
			labelTTL = cfg.LabelCacheTTL
		}
		if cfg.SettingsCacheTTL > 0 {
			settingsTTL = cfg.SettingsCacheTTL
		}
	}
	var labelStore, settingsStore, summaryStore *cache.JSON
	if redisClient != nil {
		labelStore = cache.NewJSON(redisClient, "labels", labelTTL)
		settingsStore = cache.NewJSON(redisClient, "org:settings", settingsTTL)
		summaryStore = cache.NewJSON(redisClient, "locations", time.Hour)
	}
	labelCache := labels.New(labelStore, logger)

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo, nil, labelCache, logger)
	rolesService := roles.NewService(roles.NewRepository(pool), labelCache, logger)

	idempotency := shared.NewIdempotencyStore(pool)
	assignmentsService := assignments.NewService(
		assignments.NewRepository(pool),
		rolesService,
		usersService,
		labelCache,
		logger,
		assignments.WithAudit(shared.NewAuditLogger(pool)),
		assignments.WithIdempotency(idempotency),
	)
	usersService.SetRoleAssigner(assignmentsService)

	labelCache.Register(labels.KindUser, usersService.UserLabel)
	labelCache.Register(labels.KindRole, rolesService.RoleLabel)

	rbacRepo := rbac.NewRepository(pool)
	return &Services{
		UsersRepo:     usersRepo,
		Users:         usersService,
		Roles:         rolesService,
		Assignments:   assignmentsService,
		RBAC:          rbac.NewService(rbacRepo, logger),
		Resolver:      rbac.NewResolver(rbacRepo),
		Permissions:   permissions.NewService(permissions.NewRepository(pool), logger),
		Organizations: organizations.NewService(organizations.NewRepository(pool), settingsStore, logger),
		Geo:           geo.NewService(geo.NewRepository(pool), summaryStore, logger),
		Labels:        labelCache,
		Idempotency:   idempotency,
	}
}
