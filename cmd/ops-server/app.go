package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/hospital/ops/internal/config"
	"github.com/hospital/ops/internal/domain/allocation"
	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/internal/platform/db"
	"github.com/hospital/ops/internal/platform/lock"
	"github.com/hospital/ops/internal/platform/metrics"
)

// app holds everything a command needs once config is loaded.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	repo    records.Repository
	pool    *pgxpool.Pool
	svc     *allocation.Service
	metrics *metrics.Engine
	reg     *prometheus.Registry
	closers []func() error
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// openStore connects the configured record store. pool is nil for the
// embedded and in-memory drivers.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (records.Repository, *pgxpool.Pool, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() error { pool.Close(); return nil }
		return records.NewPGRepo(pool), pool, closer, nil
	case config.DriverSQLite:
		repo, closer, err := records.NewSQLiteRepo(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened embedded record store")
		return repo, nil, closer, nil
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory record store; nothing survives a restart")
		return records.NewMemoryRepo(), nil, func() error { return nil }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newLocker picks the Redis single-writer lock when REDIS_URL is set, the
// in-process one otherwise. The local locker only serializes callers inside
// this process.
func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Locker, func() error, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("using in-process locks")
		return lock.NewLocal(), func() error { return nil }, nil
	}
	client, err := lock.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Dur("ttl", cfg.LockTTL).Msg("using redis locks")
	return lock.NewRedisLocker(client, cfg.LockTTL), client.Close, nil
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, os.Stdout)
}

func buildApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg, logOut)}

	repo, pool, closeStore, err := openStore(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.repo, a.pool = repo, pool
	a.closers = append(a.closers, closeStore)

	locker, closeLocker, err := newLocker(ctx, cfg, a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocker)

	if cfg.MetricsEnabled {
		a.reg = prometheus.NewRegistry()
		a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.New(a.reg)
	}

	a.svc = allocation.NewService(repo,
		allocation.WithLocker(locker),
		allocation.WithLogger(a.logger),
		allocation.WithMetrics(a.metrics),
		allocation.WithLockWait(cfg.LockWait),
		allocation.WithBatchWorkers(cfg.BatchWorkers),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
