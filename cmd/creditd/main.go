// Package main runs the credit billing service: REST API, webhook ingest and
// the background maintenance sweeps.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/techninja0210-maker/Imaginify-sub001/internal/app"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/cache"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/httpapi"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/services/sweeper"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/app/storage/postgres"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/config"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/logging"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/middleware"
	"github.com/techninja0210-maker/Imaginify-sub001/internal/platform/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	stores, closeDB, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	balances, closeRedis := buildCache(cfg, log)
	if closeRedis != nil {
		defer closeRedis()
	}

	application, err := app.New(stores, app.Options{
		BalanceCache: balances,
		Sweeper: sweeper.Config{
			ExpirySchedule: cfg.Sweeper.ExpirySchedule,
			QuoteSchedule:  cfg.Sweeper.QuoteSchedule,
			PurgeSchedule:  cfg.Sweeper.PurgeSchedule,
			KeyRetention:   cfg.Sweeper.IdempotencyMaxAge,
		},
	}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	var routerOpts []httpapi.Option
	if cfg.Server.AuditLogPath != "" {
		routerOpts = append(routerOpts, httpapi.WithAuditSink(cfg.Server.AuditLogPath))
	}
	router := httpapi.NewRouter(application, routerOpts...)

	// Health, metrics and the provider webhook are reachable without a token.
	auth := middleware.NewAuthMiddleware(cfg.APITokenList(), cfg.AdminTokenList(), log,
		[]string{"/healthz", "/metrics", "/webhooks/billing"})
	cors := middleware.NewCORSMiddleware(cfg.CORSOriginList())
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)
	limiter.StartCleanup(5 * time.Minute)

	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.MetricsMiddleware())

	handler := cors.Handler(auth.Handler(limiter.Handler(router)))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	return nil
}

// buildStores opens Postgres when a DSN is configured and falls back to the
// in-memory store otherwise. The returned closer may be nil.
func buildStores(cfg *config.Config, log *logging.Logger) (app.Stores, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_URL not set, using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	log.Info("connected to postgres")
	return app.Stores{
		Users:       store,
		Plans:       store,
		Credits:     store,
		Jobs:        store,
		Billing:     store,
		Idempotency: store,
	}, func() { db.Close() }, nil
}

// buildCache connects to Redis when configured. A nil cache disables balance
// caching without affecting correctness.
func buildCache(cfg *config.Config, log *logging.Logger) (*cache.BalanceCache, func()) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, balance caching disabled")
		client.Close()
		return nil, nil
	}

	log.WithField("addr", cfg.Redis.Addr).Info("connected to redis")
	return cache.NewBalanceCache(client, cfg.Redis.TTL), func() { client.Close() }
}
