package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
)

// AreaSource provides the area hierarchy for a run.
type AreaSource interface {
	FetchAreaTree(ctx context.Context) (*domain.AreaTree, error)
}

// ForecastFetcher provides one area's forecast document.
type ForecastFetcher interface {
	FetchForecast(ctx context.Context, areaCode string) (domain.ForecastDocument, error)
}

// Feed is the live JMA client or a snapshot replaying it.
type Feed interface {
	AreaSource
	ForecastFetcher
}

// Archiver keeps a copy of each fetched forecast document.
type Archiver interface {
	Archive(ctx context.Context, runID uuid.UUID, areaCode string, raw []byte) error
}

// Options tunes an Orchestrator.
type Options struct {
	Concurrency int
	SeriesMode  domain.SeriesMode
	Archiver    Archiver // optional
}

// Orchestrator ingests every leaf area of the tree: fetch, normalize, then
// store each area in its own transaction. A failing area never stops the run.
type Orchestrator struct {
	feed        Feed
	store       domain.Store
	logger      *slog.Logger
	metrics     *observability.Metrics
	concurrency int
	mode        domain.SeriesMode
	archiver    Archiver
}

// New creates an Orchestrator. Concurrency below 1 is treated as 1.
func New(feed Feed, store domain.Store, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SeriesMode == "" {
		opts.SeriesMode = domain.SeriesRepresentative
	}
	return &Orchestrator{
		feed:        feed,
		store:       store,
		logger:      logger,
		metrics:     metrics,
		concurrency: opts.Concurrency,
		mode:        opts.SeriesMode,
		archiver:    opts.Archiver,
	}
}

// Ingest loads the area tree and runs every leaf. An unusable area document
// is the only error; per-area failures are reported in the result.
func (o *Orchestrator) Ingest(ctx context.Context) (domain.IngestionReport, error) {
	tree, err := o.feed.FetchAreaTree(ctx)
	if err != nil {
		return domain.IngestionReport{}, fmt.Errorf("load area tree: %w", err)
	}
	return o.Run(ctx, tree), nil
}

// Run ingests tree's leaves with at most the configured number of areas in
// flight. Outcomes keep leaf order.
func (o *Orchestrator) Run(ctx context.Context, tree *domain.AreaTree) domain.IngestionReport {
	report := domain.IngestionReport{
		RunID:     uuid.New(),
		StartedAt: domain.Clock().Now().UTC(),
	}
	logger := o.logger.With("run_id", report.RunID.String())

	leaves := tree.Leaves()
	logger.Info("ingestion run started", "areas", len(leaves), "concurrency", o.concurrency, "series_mode", string(o.mode))

	outcomes := make([]domain.AreaOutcome, len(leaves))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, leaf := range leaves {
		g.Go(func() error {
			outcomes[i] = o.ingestArea(ctx, logger, report.RunID, tree, leaf)
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	report.FinishedAt = domain.Clock().Now().UTC()

	failed := report.Failed()
	duration := report.FinishedAt.Sub(report.StartedAt)
	o.metrics.RunDuration.Observe(duration.Seconds())
	o.metrics.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
	o.metrics.LastRunFailedAreas.Set(float64(len(failed)))

	logger.Info("ingestion run finished",
		"succeeded", len(report.Succeeded()),
		"failed", len(failed),
		"duration", duration,
	)
	return report
}

func (o *Orchestrator) ingestArea(ctx context.Context, logger *slog.Logger, runID uuid.UUID, tree *domain.AreaTree, leaf domain.Leaf) domain.AreaOutcome {
	outcome := domain.AreaOutcome{Code: leaf.Code, ParentCode: leaf.ParentCode}
	logger = logger.With("area_code", leaf.Code)

	doc, err := o.feed.FetchForecast(ctx, leaf.Code)
	if err != nil {
		outcome.Failure = fetchFailure(err)
		o.fail(logger, outcome.Failure)
		return outcome
	}

	if o.archiver != nil && len(doc.Raw) > 0 {
		if err := o.archiver.Archive(ctx, runID, leaf.Code, doc.Raw); err != nil {
			o.metrics.ArchiveErrors.Inc()
			logger.Warn("archive raw forecast failed", "error", err)
		}
	}

	reports, err := domain.Normalize(leaf.Code, doc, o.mode)
	if err != nil {
		outcome.Failure = &domain.AreaFailure{Stage: domain.StageNormalize, Attempts: 1, ErrorClass: domain.ClassMalformed, Err: err}
		o.fail(logger, outcome.Failure)
		return outcome
	}

	start := time.Now()
	written, err := o.persist(ctx, runID, tree, leaf, reports)
	o.metrics.StoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome.Failure = &domain.AreaFailure{Stage: domain.StageStore, Attempts: 1, ErrorClass: domain.ClassStore, Err: err}
		o.fail(logger, outcome.Failure)
		return outcome
	}

	o.metrics.AreasIngested.WithLabelValues("success").Inc()
	o.metrics.RowsWritten.WithLabelValues("weather_reports").Add(float64(written.reports))
	o.metrics.RowsWritten.WithLabelValues("time_series").Add(float64(written.series))
	o.metrics.RowsWritten.WithLabelValues("weather_conditions").Add(float64(written.conditions))

	outcome.Reports = written.reports
	outcome.Conditions = written.conditions
	logger.Debug("area ingested", "reports", written.reports, "time_series", written.series, "conditions", written.conditions)
	return outcome
}

func (o *Orchestrator) fail(logger *slog.Logger, f *domain.AreaFailure) {
	o.metrics.AreasIngested.WithLabelValues(f.Stage).Inc()
	logger.Warn("area skipped",
		"stage", f.Stage,
		"attempts", f.Attempts,
		"error_class", f.ErrorClass,
		"error", f.Err,
	)
}

func fetchFailure(err error) *domain.AreaFailure {
	f := &domain.AreaFailure{Stage: domain.StageFetch, Attempts: 1, Err: err}
	var ff *domain.FetchFailure
	if errors.As(err, &ff) {
		f.Attempts = ff.Attempts
		f.ErrorClass = ff.Class()
	} else {
		f.ErrorClass = domain.ClassifyFetchError(err)
	}
	return f
}

type rowCounts struct {
	reports    int
	series     int
	conditions int
}

// persist writes the area's center, the area itself and every normalized row
// in one unit. On error nothing of this call remains in the store.
func (o *Orchestrator) persist(ctx context.Context, runID uuid.UUID, tree *domain.AreaTree, leaf domain.Leaf, reports []domain.NormalizedReport) (rowCounts, error) {
	ingestedAt := domain.Clock().Now().UTC()

	// The area row's parent is its first listing center, which may differ
	// from the center of this occurrence.
	parent := leaf.ParentCode
	if node, ok := tree.Node(leaf.Code); ok && node.ParentCode != "" {
		parent = node.ParentCode
	}
	center := domain.Area{Code: parent, Name: domain.UnknownAreaName}
	if node, ok := tree.Node(parent); ok && node.Name != "" {
		center.Name = node.Name
	}
	area := domain.Area{Code: leaf.Code, Name: tree.Name(leaf.Code), ParentCode: &parent}

	var written rowCounts
	err := o.store.WithinTx(ctx, func(tx domain.StoreTx) error {
		written = rowCounts{}
		if err := tx.UpsertArea(ctx, center); err != nil {
			return storeErr(leaf.Code, "upsert center area", err)
		}
		if err := tx.UpsertArea(ctx, area); err != nil {
			return storeErr(leaf.Code, "upsert area", err)
		}
		for _, nr := range reports {
			r := nr.Report
			r.RunID = runID
			r.IngestedAt = ingestedAt
			reportID, err := tx.InsertReport(ctx, r)
			if err != nil {
				return storeErr(leaf.Code, "insert report", err)
			}
			written.reports++

			for _, s := range nr.Series {
				rowID, err := tx.InsertTimeSeriesRow(ctx, reportID, s.Row.TimeDefine)
				if err != nil {
					return storeErr(leaf.Code, "insert time series", err)
				}
				written.series++

				for _, c := range s.Conditions {
					if err := tx.InsertCondition(ctx, rowID, c); err != nil {
						return storeErr(leaf.Code, "insert condition", err)
					}
					written.conditions++
				}
			}
		}
		return nil
	})
	if err != nil {
		var se *domain.StoreError
		if errors.As(err, &se) {
			return rowCounts{}, err
		}
		return rowCounts{}, storeErr(leaf.Code, "transaction", err)
	}
	return written, nil
}

func storeErr(areaCode, op string, err error) error {
	return &domain.StoreError{AreaCode: areaCode, Op: op, Err: err}
}
