// Command sync-server starts the marketplace sync and session backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/phelinki/smor-ting-sub004/internal/config"
	"github.com/phelinki/smor-ting-sub004/internal/limiter"
	"github.com/phelinki/smor-ting-sub004/internal/migrate"
	"github.com/phelinki/smor-ting-sub004/internal/repository/postgres"
	"github.com/phelinki/smor-ting-sub004/internal/resume"
	"github.com/phelinki/smor-ting-sub004/internal/server/httpapi"
	"github.com/phelinki/smor-ting-sub004/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations, and starts the HTTP server plus
// the background reconciler.
func main() {
	// Flags override the environment.
	addr := flag.String("addr", "", "listen address")
	dsn := flag.String("dsn", "", "PostgreSQL DSN")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	// DB pool
	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()

	// Repositories
	db := &postgres.DB{Pool: pool}
	userRepo := postgres.NewUserRepo(db)
	sessionRepo := postgres.NewSessionRepo(db)
	auditRepo := postgres.NewAuditRepo(db)
	recordRepo := postgres.NewRecordRepo(db)
	queueRepo := postgres.NewQueueRepo(db)
	statusRepo := postgres.NewStatusRepo(db)
	metricsRepo := postgres.NewMetricsRepo(db)

	lim := limiter.NewPG(pool, 15*time.Minute, 5, 15*time.Minute)

	// Resume cursors live in redis when configured, in-process otherwise.
	var cursors resume.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		cursors = resume.NewRedisStore(rdb)
	} else {
		cursors = resume.NewMemoryStore()
	}

	// Services
	authSvc := service.NewAuthService(userRepo, sessionRepo, auditRepo, lim,
		[]byte(cfg.JWTKey),
		service.AuthConfig{
			AccessTTL:     cfg.AccessTTL,
			RefreshTTL:    cfg.RefreshTTL,
			RememberedTTL: cfg.RememberedTTL,
		}, logger)
	syncSvc := service.NewSyncService(recordRepo, queueRepo, statusRepo, metricsRepo, cursors,
		service.SyncConfig{
			ChunkThreshold: cfg.ChunkThreshold,
			ChunkSize:      cfg.ChunkSize,
			ResumeTTL:      cfg.AccessTTL,
		}, logger)

	reconciler := service.NewReconciler(recordRepo, queueRepo, statusRepo,
		service.ReconcilerConfig{
			Interval:   cfg.ReconcileInterval,
			MaxRetries: cfg.MaxRetries,
			Retention:  cfg.AppliedRetention,
		}, logger)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// Drop long-expired sessions in the background.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := authSvc.PurgeExpiredSessions(ctx)
				if err != nil {
					logger.Warn("purge expired sessions", zap.Error(err))
				} else if n > 0 {
					logger.Info("purged expired sessions", zap.Int64("count", n))
				}
			}
		}
	}()

	srv := httpapi.New(authSvc, syncSvc, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- srv.Start(cfg.Addr)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
