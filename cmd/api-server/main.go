package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Complexity-ML/cosmetest-back-sub000/internal/api"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/appointment"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/config"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/db"
	"github.com/Complexity-ML/cosmetest-back-sub000/internal/logging"
	redisclient "github.com/Complexity-ML/cosmetest-back-sub000/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("number_strategy", cfg.Scheduling.NumberStrategy).
		Bool("advisory_fail_open", cfg.Scheduling.AdvisoryFailOpen).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	var cache appointment.CalendarCache
	if cfg.Scheduling.CalendarCacheTTL > 0 {
		cache = redisclient.NewCalendarCache(rdb, cfg.Scheduling.CalendarCacheTTL)
	}
	locker := redisclient.NewStudyLocker(rdb, cfg.Scheduling.BatchLockTTL, logger)

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, cache, locker, appointment.ServiceConfigFrom(cfg.Scheduling), logger)

	health := api.NewHealthHandler(
		pgPool.Ping,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		cfg.Env,
		version,
	)

	srv := newServer(cfg.HTTPPort, api.NewRouter(api.RouterConfig{Service: svc, Health: health, Logger: logger}))

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return
	}
	logger.Info().Msg("api-server stopped")
}

func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
