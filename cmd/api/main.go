package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"booking-workers/internal/api"
	"booking-workers/internal/config"
	"booking-workers/internal/dispatch"
	"booking-workers/internal/idem"
	"booking-workers/internal/logger"
	"booking-workers/internal/notify"
	"booking-workers/internal/payments"
	"booking-workers/internal/ratelimit"
	"booking-workers/internal/receipts"
	"booking-workers/internal/records"
	"booking-workers/internal/verify"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("connect redis: %v", err)
	}
	cache := idem.New(rdb, "bw:")

	telegram := notify.NewTelegram(cfg)
	archiver, err := receipts.NewArchiver(ctx, cfg)
	if err != nil {
		logger.Fatalf("receipt archiver: %v", err)
	}
	jobs := dispatch.NewService(cfg, st, cache, telegram, notify.NewRealtimeRooms(cfg))
	pay := payments.NewService(cfg, st, cache, telegram, archiver)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, jobs, pay, verify.NewTurnstile(cfg), limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(logger.Fields{"port": cfg.HTTPPort, "env": cfg.Env}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
}

// openStore connects Postgres when a DSN is configured and falls back to memory.
func openStore(ctx context.Context, cfg config.Config) (records.Store, func()) {
	if cfg.PostgresDSN == "" {
		logger.Warnf("POSTGRES_DSN not set, using in-memory record store")
		return records.NewMemoryStore(), func() {}
	}
	pg, err := records.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	if err := pg.RunMigrations(ctx); err != nil {
		logger.Fatalf("migrations: %v", err)
	}
	return pg, pg.Close
}
