// Command snapshot fetches the live area document and every leaf forecast and
// writes them as area_data.json and all_forecasts.json, which cmd/ingest can
// replay with -snapshot.
//
// Usage:
//
//	go run ./cmd/snapshot -out data/jma
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/jma"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/snapshot"
	"github.com/couchcryptid/jma-forecast-etl/internal/config"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
)

func main() {
	out := flag.String("out", "", "directory to write area_data.json and all_forecasts.json into")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg)

	if *out == "" {
		flag.Usage()
		logger.Error("missing required flag: -out")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *out, logger); err != nil {
		logger.Error("snapshot failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, out string, logger *slog.Logger) error {
	client, err := jma.NewClient(
		jma.RetryPolicy{
			MaxAttempts: cfg.FetchMaxAttempts,
			Delay:       cfg.FetchRetryDelay,
			Timeout:     cfg.FetchTimeout,
		},
		observability.NewMetricsForTesting(), logger,
		jma.WithAreaURL(cfg.AreaURL),
		jma.WithForecastBaseURL(cfg.ForecastBaseURL),
		jma.WithRateLimit(cfg.FetchRateLimit),
	)
	if err != nil {
		return err
	}

	areaDoc, err := client.FetchAreaDocument(ctx)
	if err != nil {
		return err
	}
	tree, err := domain.ParseAreaTree(areaDoc)
	if err != nil {
		return err
	}

	codes := uniqueCodes(tree.LeafCodes())
	entries := make([]*snapshot.Entry, len(codes))

	var g errgroup.Group
	g.SetLimit(cfg.IngestConcurrency)
	for i, code := range codes {
		g.Go(func() error {
			doc, err := client.FetchForecast(ctx, code)
			if err != nil {
				logger.Warn("forecast skipped", "area_code", code, "error", err)
				return nil
			}
			entries[i] = &snapshot.Entry{AreaCode: code, WeatherData: doc.Raw}
			return nil
		})
	}
	_ = g.Wait()

	written := make([]snapshot.Entry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			written = append(written, *e)
		}
	}
	if err := snapshot.Write(out, areaDoc, written); err != nil {
		return err
	}

	logger.Info("snapshot written",
		"dir", out,
		"areas", len(codes),
		"forecasts", len(written),
		"skipped", len(codes)-len(written),
	)
	if len(written) == 0 && len(codes) > 0 {
		return fmt.Errorf("no forecasts could be fetched")
	}
	return nil
}

// uniqueCodes keeps the first occurrence of each code.
func uniqueCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
