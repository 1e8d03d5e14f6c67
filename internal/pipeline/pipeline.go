package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
)

const initialBackoff = 200 * time.Millisecond

// Ingester performs one complete ingestion run.
type Ingester interface {
	Ingest(ctx context.Context) (domain.IngestionReport, error)
}

// SummaryPublisher ships a finished run's summary somewhere downstream.
type SummaryPublisher interface {
	Publish(ctx context.Context, report domain.IngestionReport) error
}

// Runner repeats ingestion runs on an interval and keeps the latest result.
type Runner struct {
	ingester  Ingester
	publisher SummaryPublisher
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	ready  atomic.Bool
	latest atomic.Pointer[domain.IngestionReport]
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithPublisher sends every finished run to p.
func WithPublisher(p SummaryPublisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithRunnerClock replaces the clock used for the interval and backoff.
func WithRunnerClock(c clockwork.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// NewRunner creates a Runner. An interval of zero makes Run perform a single
// run.
func NewRunner(ingester Ingester, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics, opts ...RunnerOption) *Runner {
	r := &Runner{
		ingester: ingester,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckReadiness returns nil once a run has completed.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no ingestion run has completed yet")
	}
	return nil
}

// Latest returns the most recent completed run.
func (r *Runner) Latest() (domain.IngestionReport, bool) {
	p := r.latest.Load()
	if p == nil {
		return domain.IngestionReport{}, false
	}
	return *p, true
}

// RunOnce performs one run, records it and publishes its summary.
func (r *Runner) RunOnce(ctx context.Context) (domain.IngestionReport, error) {
	report, err := r.ingester.Ingest(ctx)
	if err != nil {
		return domain.IngestionReport{}, err
	}

	r.latest.Store(&report)
	r.ready.Store(true)

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, report); err != nil {
			r.metrics.PublishErrors.Inc()
			r.logger.Warn("publish run summary failed", "run_id", report.RunID.String(), "error", err)
		}
	}
	return report, nil
}

// Run executes runs until the context is cancelled. A run that cannot start
// (area document unavailable) is retried with exponential backoff capped at
// the interval.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		_, err := r.RunOnce(ctx)
		return err
	}

	r.logger.Info("runner started", "interval", r.interval)
	r.metrics.RunnerRunning.Set(1)
	defer r.metrics.RunnerRunning.Set(0)

	backoff := min(initialBackoff, r.interval)
	for {
		if ctx.Err() != nil {
			r.logger.Info("runner stopping", "reason", ctx.Err())
			return nil
		}

		wait := r.interval
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("runner stopping", "reason", ctx.Err())
				return nil
			}
			r.logger.Error("ingestion run failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff = nextBackoff(backoff, r.interval)
		} else {
			backoff = min(initialBackoff, r.interval)
		}

		if !sleepWithContext(ctx, r.clock, wait) {
			r.logger.Info("runner stopping", "reason", ctx.Err())
			return nil
		}
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
