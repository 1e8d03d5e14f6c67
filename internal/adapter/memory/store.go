// Package memory is an in-process Store with the same transactional contract
// as the Postgres store. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

// Counts is the number of committed rows per table.
type Counts struct {
	Areas      int
	Reports    int
	TimeSeries int
	Conditions int
}

// Store keeps committed rows in memory. Units run one at a time.
type Store struct {
	mu sync.Mutex

	areas      map[string]domain.Area
	areaOrder  []string
	reports    []domain.WeatherReport
	series     []domain.TimeSeriesRow
	conditions []domain.WeatherCondition

	lastReportID    int64
	lastSeriesID    int64
	lastConditionID int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{areas: make(map[string]domain.Area)}
}

// WithinTx runs fn against staged writes and commits them only when fn
// returns nil. IDs handed out by a rolled back unit are not reused.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.StoreTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{
		store:     s,
		reportIDs: make(map[int64]struct{}),
		seriesIDs: make(map[int64]struct{}),
		areas:     make(map[string]domain.Area),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Counts returns the committed row counts.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Areas:      len(s.areas),
		Reports:    len(s.reports),
		TimeSeries: len(s.series),
		Conditions: len(s.conditions),
	}
}

// Area returns the committed area row for code.
func (s *Store) Area(code string) (domain.Area, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.areas[code]
	return a, ok
}

// Areas returns committed area rows in insertion order.
func (s *Store) Areas() []domain.Area {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Area, 0, len(s.areaOrder))
	for _, code := range s.areaOrder {
		out = append(out, s.areas[code])
	}
	return out
}

// Reports returns committed report rows in insertion order.
func (s *Store) Reports() []domain.WeatherReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WeatherReport(nil), s.reports...)
}

// TimeSeries returns committed time series rows in insertion order.
func (s *Store) TimeSeries() []domain.TimeSeriesRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TimeSeriesRow(nil), s.series...)
}

// Conditions returns committed condition rows in insertion order.
func (s *Store) Conditions() []domain.WeatherCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WeatherCondition(nil), s.conditions...)
}

// RowsForArea counts committed rows in all four tables that belong to the
// area code: its area row plus every report, series and condition row below it.
func (s *Store) RowsForArea(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if _, ok := s.areas[code]; ok {
		n++
	}
	reports := make(map[int64]struct{})
	for _, r := range s.reports {
		if r.AreaCode == code {
			reports[r.ID] = struct{}{}
			n++
		}
	}
	series := make(map[int64]struct{})
	for _, row := range s.series {
		if _, ok := reports[row.ReportID]; ok {
			series[row.ID] = struct{}{}
			n++
		}
	}
	for _, c := range s.conditions {
		if _, ok := series[c.TimeSeriesRowID]; ok {
			n++
		}
	}
	return n
}

type tx struct {
	store *Store

	areas      map[string]domain.Area
	areaOrder  []string
	reports    []domain.WeatherReport
	series     []domain.TimeSeriesRow
	conditions []domain.WeatherCondition

	reportIDs map[int64]struct{}
	seriesIDs map[int64]struct{}
}

func (t *tx) UpsertArea(ctx context.Context, area domain.Area) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if area.Code == "" {
		return fmt.Errorf("upsert area: empty code")
	}
	if _, ok := t.store.areas[area.Code]; ok {
		return nil
	}
	if _, ok := t.areas[area.Code]; ok {
		return nil
	}
	t.areas[area.Code] = area
	t.areaOrder = append(t.areaOrder, area.Code)
	return nil
}

func (t *tx) InsertReport(ctx context.Context, report domain.WeatherReport) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !t.hasArea(report.AreaCode) {
		return 0, fmt.Errorf("insert report: area %q does not exist", report.AreaCode)
	}
	t.store.lastReportID++
	report.ID = t.store.lastReportID
	t.reports = append(t.reports, report)
	t.reportIDs[report.ID] = struct{}{}
	return report.ID, nil
}

func (t *tx) InsertTimeSeriesRow(ctx context.Context, reportID int64, timeDefine *string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := t.reportIDs[reportID]; !ok && !t.store.hasReport(reportID) {
		return 0, fmt.Errorf("insert time series: report %d does not exist", reportID)
	}
	t.store.lastSeriesID++
	row := domain.TimeSeriesRow{ID: t.store.lastSeriesID, ReportID: reportID, TimeDefine: timeDefine}
	t.series = append(t.series, row)
	t.seriesIDs[row.ID] = struct{}{}
	return row.ID, nil
}

func (t *tx) InsertCondition(ctx context.Context, rowID int64, cond domain.WeatherCondition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.seriesIDs[rowID]; !ok && !t.store.hasSeries(rowID) {
		return fmt.Errorf("insert condition: time series row %d does not exist", rowID)
	}
	t.store.lastConditionID++
	cond.ID = t.store.lastConditionID
	cond.TimeSeriesRowID = rowID
	t.conditions = append(t.conditions, cond)
	return nil
}

func (t *tx) hasArea(code string) bool {
	if _, ok := t.areas[code]; ok {
		return true
	}
	_, ok := t.store.areas[code]
	return ok
}

func (t *tx) commit() {
	s := t.store
	for _, code := range t.areaOrder {
		s.areas[code] = t.areas[code]
		s.areaOrder = append(s.areaOrder, code)
	}
	s.reports = append(s.reports, t.reports...)
	s.series = append(s.series, t.series...)
	s.conditions = append(s.conditions, t.conditions...)
}

func (s *Store) hasReport(id int64) bool {
	for _, r := range s.reports {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) hasSeries(id int64) bool {
	for _, row := range s.series {
		if row.ID == id {
			return true
		}
	}
	return false
}
