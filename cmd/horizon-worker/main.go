package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/careloop/scheduling/internal/config"
	"github.com/careloop/scheduling/internal/db"
	redisclient "github.com/careloop/scheduling/internal/redis"
	"github.com/careloop/scheduling/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := newLogger(cfg.Env)
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Int("horizon_days", cfg.HorizonDays).
		Int("retention_days", cfg.RetentionDays).
		Msg("horizon-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := scheduling.NewPgRepository(pgPool)
	locker := redisclient.NewRedisCalendarLocker(rdb, cfg.LockTTL)

	defaults := scheduling.Preferences{
		WorkdayStart: cfg.WorkdayStart,
		WorkdayEnd:   cfg.WorkdayEnd,
		SlotDuration: cfg.SlotDuration,
		SlotCapacity: cfg.SlotCapacity,
		WorkingDays:  scheduling.WeekdaysMonToFri(),
	}
	gen := scheduling.NewGenerator(repo, locker, defaults, logger)

	// Run once at startup
	runOnce(rootCtx, repo, gen, cfg, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping horizon worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, repo, gen, cfg, logger)
		}
	}
}

func runOnce(ctx context.Context, repo scheduling.Repository, gen *scheduling.Generator, cfg config.Config, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()

	providerIDs, err := repo.ListActiveProviderIDs(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("list providers")
		return
	}

	for _, providerID := range providerIDs {
		if err := gen.EnsureHorizon(runCtx, providerID, cfg.HorizonDays); err != nil {
			logger.Error().
				Err(err).
				Str("provider_id", providerID.String()).
				Msg("ensure horizon failed")
		}
	}

	pruned, err := gen.PruneStale(runCtx, cfg.RetentionDays)
	if err != nil {
		logger.Error().Err(err).Msg("prune stale calendars")
	}

	logger.Info().
		Int("providers", len(providerIDs)).
		Int("pruned", pruned).
		Dur("took", time.Since(start)).
		Msg("horizon run complete")
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
