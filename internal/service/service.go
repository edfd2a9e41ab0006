// Package service holds the wiring shared by the tracker binaries:
// logging, retried store connections, object-store selection, and the
// periodic sweep driver.
package service

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bustracker/internal/config"
	"bustracker/internal/estimate"
	"bustracker/internal/ingest"
	"bustracker/internal/objstore"
	"bustracker/internal/routing"
	"bustracker/internal/scraper"
	"bustracker/internal/storage"
	"bustracker/internal/tseries"
)

// connectTimeout bounds the retried connection attempts at startup.
const connectTimeout = 30 * time.Second

// sweepInterval paces the periodic cleanup pass.
const sweepInterval = time.Minute

// NewLogger builds the process logger; debug lowers the level.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// OpenDB connects to PostgreSQL with exponential backoff and ensures the
// schema exists.
func OpenDB(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage.DB, error) {
	db, err := retry(ctx, log, "postgres", func() (*storage.DB, error) {
		return storage.Open(ctx, storage.Config{
			Host:     cfg.PostgresServer,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
		})
	})
	if err != nil {
		return nil, err
	}
	if err := db.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSeries connects to the Redis time-series store with exponential
// backoff.
func OpenSeries(ctx context.Context, cfg *config.Config, log *slog.Logger) (*tseries.RedisStore, error) {
	return retry(ctx, log, "redis", func() (*tseries.RedisStore, error) {
		r, err := tseries.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, err
		}
		return r, nil
	})
}

// OpenSink picks the raw-output destination: the local directory for dry
// runs and write-mode local, S3 otherwise.
func OpenSink(cfg *config.Config) (objstore.Sink, scraper.KeyStyle, error) {
	if !cfg.DryRun && cfg.WriteMode == config.WriteS3 {
		s, err := objstore.NewS3Sink(cfg.S3Endpoint, cfg.Bucket, "", true)
		if err != nil {
			return nil, 0, err
		}
		return s, scraper.S3Keys, nil
	}
	l, err := objstore.NewLocalSink(cfg.OutputDir)
	if err != nil {
		return nil, 0, err
	}
	return l, scraper.LocalKeys, nil
}

// Walker returns the walking-routing client, or nil when unconfigured so
// the near-stop query skips the walk filter.
func Walker(cfg *config.Config) estimate.WalkTimer {
	if cfg.RoutingURL == "" {
		return nil
	}
	return routing.NewClient(cfg.RoutingURL)
}

// RunSweeps drives the cleanup sweeper until the context ends.
func RunSweeps(ctx context.Context, sweeper *ingest.Sweeper, log *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.Run(ctx)
		}
	}
}

func retry[T any](ctx context.Context, log *slog.Logger, name string, connect func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = connectTimeout
	return backoff.RetryNotifyWithData(
		connect,
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.Warn("connect failed, retrying", "target", name, "in", next, "err", err)
		},
	)
}
