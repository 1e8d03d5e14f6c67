// Command validate dry-runs a snapshot directory through the full ingestion
// pipeline against an in-memory store. It checks that the area document
// parses, that every leaf has a usable forecast, and that the normalized rows
// keep their references intact. It exits non-zero when any check fails.
//
// Usage:
//
//	go run ./cmd/validate -snapshot data/jma
//	go run ./cmd/validate -snapshot data/jma -series-mode expanded
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/memory"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/snapshot"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
	"github.com/couchcryptid/jma-forecast-etl/internal/pipeline"
)

func main() {
	dir := flag.String("snapshot", "", "snapshot directory to validate")
	mode := flag.String("series-mode", string(domain.SeriesRepresentative), "representative or expanded")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	failures, err := validate(context.Background(), os.Stdout, *dir, *mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "validate:", err)
		os.Exit(1)
	}
	if failures > 0 {
		fmt.Printf("FAIL: %d check(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

// validate returns the number of failed checks.
func validate(ctx context.Context, w io.Writer, dir, modeName string) (int, error) {
	mode, err := domain.ParseSeriesMode(modeName)
	if err != nil {
		return 0, err
	}
	src, err := snapshot.Open(dir)
	if err != nil {
		return 0, err
	}

	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := pipeline.New(src, store, logger, observability.NewMetricsForTesting(), pipeline.Options{Concurrency: 4, SeriesMode: mode})

	report, err := orch.Ingest(ctx)
	if err != nil {
		return 0, err
	}

	failures := 0
	failed := report.Failed()
	codes := make([]string, 0, len(failed))
	for code := range failed {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		f := failed[code]
		fmt.Fprintf(w, "  area %s: %s failed (%s): %v\n", code, f.Stage, f.ErrorClass, f.Err)
		failures++
	}

	failures += checkReferences(w, store)

	counts := store.Counts()
	fmt.Fprintf(w, "areas ok: %d, failed: %d\n", len(report.Succeeded()), len(failed))
	fmt.Fprintf(w, "rows: areas=%d reports=%d time_series=%d conditions=%d\n",
		counts.Areas, counts.Reports, counts.TimeSeries, counts.Conditions)
	return failures, nil
}

// checkReferences verifies each row points at an existing parent row.
func checkReferences(w io.Writer, store *memory.Store) int {
	failures := 0

	areas := make(map[string]struct{})
	for _, a := range store.Areas() {
		areas[a.Code] = struct{}{}
	}
	for _, a := range store.Areas() {
		if a.ParentCode == nil {
			continue
		}
		if _, ok := areas[*a.ParentCode]; !ok {
			fmt.Fprintf(w, "  area %s: parent %s missing\n", a.Code, *a.ParentCode)
			failures++
		}
	}

	reports := make(map[int64]struct{})
	for _, r := range store.Reports() {
		reports[r.ID] = struct{}{}
		if _, ok := areas[r.AreaCode]; !ok {
			fmt.Fprintf(w, "  report %d: area %s missing\n", r.ID, r.AreaCode)
			failures++
		}
	}
	series := make(map[int64]struct{})
	for _, s := range store.TimeSeries() {
		series[s.ID] = struct{}{}
		if _, ok := reports[s.ReportID]; !ok {
			fmt.Fprintf(w, "  time series %d: report %d missing\n", s.ID, s.ReportID)
			failures++
		}
	}
	for _, c := range store.Conditions() {
		if _, ok := series[c.TimeSeriesRowID]; !ok {
			fmt.Fprintf(w, "  condition %d: time series %d missing\n", c.ID, c.TimeSeriesRowID)
			failures++
		}
	}
	return failures
}
