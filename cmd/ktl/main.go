package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kloudtech/ktl-billing/cmd/ktl/cli"
	"github.com/kloudtech/ktl-billing/internal/app"
	"github.com/kloudtech/ktl-billing/internal/assignments"
	"github.com/kloudtech/ktl-billing/internal/auth"
	"github.com/kloudtech/ktl-billing/internal/geo"
	"github.com/kloudtech/ktl-billing/internal/observability"
	"github.com/kloudtech/ktl-billing/internal/organizations"
	"github.com/kloudtech/ktl-billing/internal/permissions"
	"github.com/kloudtech/ktl-billing/internal/platform/cache"
	"github.com/kloudtech/ktl-billing/internal/platform/db"
	"github.com/kloudtech/ktl-billing/internal/platform/migrate"
	"github.com/kloudtech/ktl-billing/internal/rbac"
	"github.com/kloudtech/ktl-billing/internal/roles"
	"github.com/kloudtech/ktl-billing/internal/users"
	"github.com/kloudtech/ktl-billing/jobs"
)

const usage = `usage: ktl [command]

commands:
  serve                       run the HTTP API (default)
  migrate up|down|status|seed manage the database schema
  locations [flags]           import districts and thanas
  jobs trigger NAME|queue     enqueue a job or show queue stats
  admin -login ID -email ADDR create the first super admin (password from KTL_ADMIN_PASSWORD)`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	var code int
	switch cmd {
	case "serve":
		code = serve(ctx, cfg, logger)
	case "migrate":
		code = runMigrate(ctx, cfg, logger, args)
	case "locations":
		code = runLocations(ctx, cfg, logger, args)
	case "jobs":
		code = runJobs(ctx, cfg, args)
	case "admin":
		code = runAdmin(ctx, cfg, logger, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, caches and token revocation disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services := app.NewServices(dbpool, redisClient, cfg, logger)
	rbacMiddleware := rbac.Middleware{Resolver: services.Resolver, Logger: logger, Recorder: metrics}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:      cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		AccessTTL:   cfg.AccessTokenTTL,
		RefreshTTL:  cfg.RefreshTokenTTL,
		RememberTTL: cfg.RememberMeTTL,
	})
	if err != nil {
		logger.Error("token issuer", slog.Any("error", err))
		return 1
	}
	authService := auth.NewService(services.UsersRepo, issuer, auth.NewRevocationList(redisClient, ""), logger,
		auth.WithLockout(cfg.LoginMaxAttempts, cfg.LoginLockout),
		auth.WithRecorder(metrics),
	)
	authHandler := auth.NewHandler(logger, authService, services.Resolver, auth.RateLimit{
		Requests: cfg.LoginRateLimit,
		Window:   cfg.LoginRateWindow,
	})

	redisOpts := cfg.QueueRedis()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	readiness := map[string]app.Pinger{"postgres": dbpool.Ping}
	if redisClient != nil {
		readiness["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Metrics:              metrics,
		RequireAuth:          authService.RequireAuth,
		RBACMiddleware:       rbacMiddleware,
		Readiness:            readiness,
		AuthHandler:          authHandler,
		UsersHandler:         users.NewHandler(logger, services.Users, services.Resolver, rbacMiddleware),
		RolesHandler:         roles.NewHandler(logger, services.Roles, rbacMiddleware),
		AssignmentsHandler:   assignments.NewHandler(logger, services.Assignments, rbacMiddleware),
		RBACHandler:          rbac.NewHandler(logger, services.RBAC, rbacMiddleware),
		PermissionsHandler:   permissions.NewHandler(logger, services.Permissions, rbacMiddleware),
		OrganizationsHandler: organizations.NewHandler(logger, services.Organizations, rbacMiddleware),
		GeoHandler:           geo.NewHandler(logger, services.Geo, rbacMiddleware),
		JobHandler:           jobs.NewHandler(inspector, jobClient, rbacMiddleware, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server", slog.Any("error", err))
		code = 1
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		code = 1
	}
	return code
}

func runMigrate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	sqlDB, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		return 1
	}
	defer sqlDB.Close()

	manager := migrate.NewManager(sqlDB, migrate.Migrations(), migrate.Seeds())
	var applied []string
	switch args[0] {
	case "up":
		applied, err = manager.Up(ctx)
	case "down":
		var name string
		if name, err = manager.Down(ctx); name != "" {
			applied = []string{name}
		}
	case "status":
		applied, err = manager.Status(ctx)
	case "seed":
		applied, err = manager.Seed(ctx)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	if err != nil {
		logger.Error("migrate "+args[0], slog.Any("error", err))
		return 1
	}
	for _, name := range applied {
		fmt.Println(name)
	}
	logger.Info("migrate finished", slog.String("command", args[0]), slog.Int("files", len(applied)))
	return 0
}

func runLocations(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("locations", flag.ContinueOnError)
	var opts cli.LocationsOptions
	fs.StringVar(&opts.Source, "source", "", "JSON seed file (default: bundled list)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "count seeds without writing")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.DryRun {
		return cli.LocationsCommand(ctx, nil, opts)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()
	service := geo.NewService(geo.NewRepository(dbpool), nil, logger)
	return cli.LocationsCommand(ctx, service, opts)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	jc := cli.NewJobsCLI(cfg.QueueRedis())
	defer jc.Close()

	switch {
	case args[0] == "trigger" && len(args) == 2:
		info, err := jc.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s as %s\n", info.Type, info.ID)
	case args[0] == "queue":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
			return 1
		}
		_ = json.NewEncoder(os.Stdout).Encode(stats)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	return 0
}

func runAdmin(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	opts := cli.AdminOptions{Password: os.Getenv("KTL_ADMIN_PASSWORD")}
	fs.StringVar(&opts.LoginID, "login", "admin", "login id")
	fs.StringVar(&opts.Email, "email", "", "email address")
	fs.StringVar(&opts.Name, "name", "Administrator", "display name")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer dbpool.Close()
	services := app.NewServices(dbpool, nil, cfg, logger)
	return cli.CreateAdminCommand(ctx, services.Users, opts)
}
