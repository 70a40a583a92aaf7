package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/jackc/pgx/v5/stdlib"

	auth "github.com/goliatone/go-taskhub"
	"github.com/goliatone/go-taskhub/activitymap"
	"github.com/goliatone/go-taskhub/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("TASKHUB_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zl, err := newZap(cfg.LogLevel, cfg.Server.Debug)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = zl.Sync()
	}()

	if cfg.Server.Debug {
		zl.Debug("configuration loaded", zap.String("config", print.MaybePrettyJSON(cfg)))
	}

	if err := run(cfg, auth.NewZapLogger(zl)); err != nil {
		zl.Fatal("taskhub stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *auth.ZapLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := auth.Migrate(ctx, db, logger.Named("migrate")); err != nil {
		return err
	}

	repo := auth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}

	hasher := auth.NewBcryptHasher()

	if _, created, err := auth.Seed(ctx, repo, hasher, cfg.Seed); err != nil {
		return err
	} else if created {
		logger.Info("seeded admin account", "username", cfg.Seed.Username)
	}

	keys, err := auth.LoadKeySet(cfg, logger.Named("keys"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := auth.NewMetrics(registry)

	activity := activitymap.NewLoggingSink(logger.Named("activity"))
	mailer := auth.NewLoggingMailer(cfg.Server.BaseURL, logger.Named("mailer"))

	tokenService := auth.NewTokenService(keys, cfg, logger.Named("tokens"))
	userTokens := auth.NewUserTokenService(repo, cfg, logger.Named("user-tokens"), auth.WithUserTokenMetrics(metrics))

	provider := auth.NewUserProvider(repo.Users(), cfg).
		WithLogger(logger.Named("provider")).
		WithPasswordHasher(hasher)

	auther := auth.NewAuthenticator(provider, tokenService).
		WithLogger(logger.Named("auth")).
		WithActivitySink(activity).
		WithMetrics(metrics)

	limiter := auth.NewLoginRateLimiter(cfg.Server.LoginRatePerMinute)

	scheduler := auth.NewScheduler(logger.Named("scheduler"), metrics)
	for _, job := range auth.MaintenanceJobs(repo, userTokens, cfg, activity, logger.Named("maintenance")) {
		scheduler.Register(job)
	}
	scheduler.Register(auth.Job{
		Name:     "login-limiter.prune",
		Interval: 5 * time.Minute,
		Run: func(context.Context) (int64, error) {
			return limiter.Prune(10 * time.Minute), nil
		},
	})

	app := fiber.New(fiber.Config{
		AppName:               "taskhub",
		DisableStartupMessage: true,
		ErrorHandler:          auth.HTTPErrorHandler(logger.Named("http"), cfg.Server.Debug),
	})

	guard := auth.NewAccessGuard(auth.DefaultAccessPolicy(cfg.Server.PublicEndpoints...), tokenService).
		WithLogger(logger.Named("access")).
		WithSubjectCheck(provider)

	app.Use(auth.RequestID(), auth.RequestLogger(logger.Named("http")), metrics.Middleware())
	for _, h := range guard.Handlers() {
		app.Use(h)
	}

	auth.RegisterAuthRoutes(app,
		auth.WithControllerDebug(cfg.Server.Debug),
		auth.WithControllerLogger(logger.Named("controller")),
		auth.WithAuthenticator(auther, keys),
		auth.WithAccountHandlers(
			auth.NewRegisterUserHandler(repo, userTokens, mailer).
				WithPasswordHasher(hasher).
				WithPhoneRegion(cfg.Auth.PhoneRegion).
				WithActivitySink(activity).
				WithLogger(logger.Named("register")),
			auth.NewRequestActivationHandler(repo, userTokens, mailer).
				WithLogger(logger.Named("activation")),
			auth.NewActivateAccountHandler(repo, userTokens).
				WithPasswordHasher(hasher).
				WithActivitySink(activity).
				WithLogger(logger.Named("activation")),
			auth.NewInitializePasswordResetHandler(repo, userTokens, mailer).
				WithActivitySink(activity).
				WithLogger(logger.Named("password-reset")),
			auth.NewFinalizePasswordResetHandler(repo, userTokens).
				WithPasswordHasher(hasher).
				WithActivitySink(activity).
				WithLogger(logger.Named("password-reset")),
		),
		auth.WithScheduler(scheduler),
		auth.WithLoginLimiter(limiter),
		auth.WithGatherer(registry),
		auth.WithReadiness(db.PingContext),
		auth.WithInfo(map[string]any{
			"app":     "taskhub",
			"version": version,
			"issuer":  cfg.GetIssuer(),
		}),
	)

	scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", cfg.Server.Address)
		errCh <- app.Listen(cfg.Server.Address)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := app.ShutdownWithTimeout(cfg.GetShutdownTimeout()); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	scheduler.Wait()

	return nil
}

func openDB(cfg config.Database) (*bun.DB, error) {
	switch cfg.Driver {
	case "postgres":
		sqldb, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}

func newZap(level string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
