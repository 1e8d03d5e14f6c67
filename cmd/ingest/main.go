// Command ingest loads the JMA area hierarchy and every leaf forecast into the
// configured store. With INGEST_INTERVAL unset it performs one run and exits;
// otherwise it repeats on the interval and serves the ops endpoints.
//
// Usage:
//
//	go run ./cmd/ingest                      # live feed
//	go run ./cmd/ingest -snapshot data/jma   # replay a snapshot directory
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/archive"
	httpadapter "github.com/couchcryptid/jma-forecast-etl/internal/adapter/http"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/jma"
	kafkaadapter "github.com/couchcryptid/jma-forecast-etl/internal/adapter/kafka"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/memory"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/postgres"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/snapshot"
	"github.com/couchcryptid/jma-forecast-etl/internal/config"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
	"github.com/couchcryptid/jma-forecast-etl/internal/pipeline"
)

func main() {
	snapshotDir := flag.String("snapshot", "", "replay area_data.json and all_forecasts.json from this directory instead of the live feed")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *snapshotDir, logger, metrics); err != nil {
		logger.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, snapshotDir string, logger *slog.Logger, metrics *observability.Metrics) error {
	feed, err := newFeed(cfg, snapshotDir, logger, metrics)
	if err != nil {
		return err
	}

	store, ready, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := pipeline.Options{Concurrency: cfg.IngestConcurrency, SeriesMode: cfg.SeriesMode}
	if cfg.ArchiveEnabled() {
		a, err := archive.New(cfg, logger)
		if err != nil {
			return err
		}
		opts.Archiver = a
		logger.Info("raw archive enabled", "bucket", cfg.ArchiveBucket)
	}
	orchestrator := pipeline.New(feed, store, logger, metrics, opts)

	var runnerOpts []pipeline.RunnerOption
	if cfg.KafkaEnabled() {
		publisher := kafkaadapter.NewSummaryPublisher(cfg, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		runnerOpts = append(runnerOpts, pipeline.WithPublisher(publisher))
	}
	runner := pipeline.NewRunner(orchestrator, cfg.IngestInterval, logger, metrics, runnerOpts...)

	if cfg.IngestInterval <= 0 {
		report, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		summary := report.Summary()
		logger.Info("ingestion complete",
			"run_id", summary.RunID,
			"succeeded", len(summary.Succeeded),
			"failed", len(summary.Failed),
		)
		for code, f := range summary.Failed {
			logger.Warn("area failed", "area_code", code, "stage", f.Stage, "attempts", f.Attempts, "error_class", f.ErrorClass)
		}
		return nil
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.AllReady(runner, ready), runner, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	runErr := runner.Run(ctx)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func newFeed(cfg *config.Config, snapshotDir string, logger *slog.Logger, metrics *observability.Metrics) (pipeline.Feed, error) {
	if snapshotDir != "" {
		logger.Info("replaying snapshot", "dir", snapshotDir)
		return snapshot.Open(snapshotDir)
	}
	return jma.NewClient(
		jma.RetryPolicy{
			MaxAttempts: cfg.FetchMaxAttempts,
			Delay:       cfg.FetchRetryDelay,
			Timeout:     cfg.FetchTimeout,
		},
		metrics, logger,
		jma.WithAreaURL(cfg.AreaURL),
		jma.WithForecastBaseURL(cfg.ForecastBaseURL),
		jma.WithRateLimit(cfg.FetchRateLimit),
	)
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, httpadapter.ReadinessChecker, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Info("using in-memory store; rows are discarded on exit")
		return memory.NewStore(), readyFunc(func(context.Context) error { return nil }), func() {}, nil
	}

	pool, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	logger.Info("postgres store ready", "max_conns", cfg.DatabaseMaxConns)
	return store, store, pool.Close, nil
}
