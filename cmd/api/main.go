package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"leadflow/auth"
	"leadflow/config"
	"leadflow/db"
	"leadflow/identity"
	"leadflow/lead"
	"leadflow/logger"
	"leadflow/notify"
	"leadflow/requirement"
	"leadflow/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting lead service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Environment:       cfg.App.Env,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	dsn := cfg.Database.DSN()
	if cfg.App.AutoMigrate {
		if err := migrateUp(dsn, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	pool, err := db.NewPool(ctx, dsn, db.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database connected successfully")

	var verifier identity.Verifier = identity.NewClient(cfg.Identity.BaseURL, identity.WithTimeout(cfg.Identity.Timeout))
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error("Error closing redis client", zap.Error(err))
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable, identity cache will fall through", zap.Error(err))
		}
		verifier = identity.NewCachedVerifier(verifier, rdb, cfg.Redis.IdentityTTL, log)
		log.Info("Identity cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	dispatcher := notify.NewClient(cfg.Notify.BaseURL, notify.WithTimeout(cfg.Notify.Timeout))
	outbox := notify.NewOutbox(pool, notify.RetryPolicy{
		MaxAttempts: cfg.Notify.MaxAttempts,
		Backoff:     cfg.Notify.Backoff,
	})

	requirements := requirement.NewRepository(pool)
	ledger := lead.NewLedger(pool)

	coordinator := lead.NewCoordinator(pool, requirements, ledger, outbox, verifier, dispatcher).
		WithLogger(log.Named("coordinator")).
		WithDispatchTimeout(cfg.Notify.Timeout).
		WithInlineGrace(cfg.Notify.Lease)

	if cfg.Notify.RelayEnabled {
		relay := notify.NewRelay(outbox, dispatcher, notify.RelayConfig{
			PollInterval:     cfg.Notify.PollInterval,
			BatchSize:        cfg.Notify.BatchSize,
			Concurrency:      cfg.Notify.Concurrency,
			Lease:            cfg.Notify.Lease,
			CleanupEnabled:   true,
			CleanupRetention: cfg.Notify.CleanupRetention,
			CleanupInterval:  cfg.Notify.CleanupInterval,
		}, log.Named("relay"))
		relay.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := relay.Stop(stopCtx); err != nil {
				log.Error("Error stopping notification relay", zap.Error(err))
			}
		}()
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	setupValidator()

	serviceName := ""
	if cfg.Telemetry.Enabled {
		serviceName = cfg.Telemetry.ServiceName
	}
	server := &Server{
		requirementService: requirement.NewService(requirements),
		claimService:       coordinator,
		lifecycleService:   lead.NewLifecycle(pool, requirements, ledger).WithLogger(log.Named("lifecycle")),
		sellerService:      lead.NewService(requirements, ledger),
		tokens:             auth.NewService(cfg.Auth.JWTSecret),
		db:                 pool,
		logger:             log,
		serviceName:        serviceName,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

func migrateUp(dsn string, log *zap.Logger) error {
	m, err := db.NewMigrator(dsn, log.Named("migrate"))
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
