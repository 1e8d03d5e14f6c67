package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/jma"
	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/memory"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
	"github.com/couchcryptid/jma-forecast-etl/internal/pipeline"
)

const regionDoc = `{"centers": {"R1": {"name": "Region1", "children": ["A1", "A2"]}}, "offices": {"A1": {"name": "Area1"}}}`

// a1Forecast has one report whose blocks have 3 and 7 timeDefines.
const a1Forecast = `[{
  "publishingOffice": "気象庁",
  "reportDatetime": "2024-07-01T11:00:00+09:00",
  "timeSeries": [
    {"timeDefines": ["d1", "d2", "d3"],
     "areas": [{"area": {"name": "Sub1", "code": "S1"}, "weathers": ["3-block"]}]},
    {"timeDefines": ["h1", "h2", "h3", "h4", "h5", "h6", "h7"],
     "areas": [{"area": {"name": "Sub1", "code": "S1"}, "weathers": ["7-block"], "pops": ["40"]},
               {"area": {"name": "Sub2", "code": "S2"}, "temps": ["28"]}]}
  ]
}]`

const emptyForecast = `[{"publishingOffice": "o", "reportDatetime": "d", "timeSeries": []}]`

// --- mocks ---

type fakeFeed struct {
	areaDoc string
	docs    map[string]string
	errs    map[string]error

	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (f *fakeFeed) FetchAreaTree(context.Context) (*domain.AreaTree, error) {
	return domain.ParseAreaTree([]byte(f.areaDoc))
}

func (f *fakeFeed) FetchForecast(_ context.Context, code string) (domain.ForecastDocument, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if err, ok := f.errs[code]; ok {
		return domain.ForecastDocument{}, err
	}
	body, ok := f.docs[code]
	if !ok {
		body = emptyForecast
	}
	return domain.ParseForecastDocument([]byte(body))
}

// failingStore wraps a store so that every InsertCondition for failCode errors
// after the report and series rows were written.
type failingStore struct {
	inner    domain.Store
	failCode string
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(tx domain.StoreTx) error) error {
	return s.inner.WithinTx(ctx, func(tx domain.StoreTx) error {
		return fn(&failingTx{StoreTx: tx, failCode: s.failCode})
	})
}

type failingTx struct {
	domain.StoreTx
	failCode string
	current  string
}

func (t *failingTx) InsertReport(ctx context.Context, r domain.WeatherReport) (int64, error) {
	t.current = r.AreaCode
	return t.StoreTx.InsertReport(ctx, r)
}

func (t *failingTx) InsertCondition(ctx context.Context, rowID int64, c domain.WeatherCondition) error {
	if t.current == t.failCode {
		return errors.New("disk full")
	}
	return t.StoreTx.InsertCondition(ctx, rowID, c)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, runID uuid.UUID, code string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, runID.String()+"/"+code)
	if len(raw) == 0 {
		return errors.New("empty document")
	}
	return a.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(feed pipeline.Feed, store domain.Store, opts pipeline.Options) *pipeline.Orchestrator {
	return pipeline.New(feed, store, testLogger(), observability.NewMetricsForTesting(), opts)
}

// --- orchestrator tests ---

func TestIngest_RegionScenarioOverHTTP(t *testing.T) {
	var a2Calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/area.json":
			_, _ = io.WriteString(w, regionDoc)
		case "/forecast/A1.json":
			_, _ = io.WriteString(w, a1Forecast)
		case "/forecast/A2.json":
			a2Calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := jma.NewClient(
		jma.RetryPolicy{MaxAttempts: 3, Timeout: time.Second},
		observability.NewMetricsForTesting(), testLogger(),
		jma.WithAreaURL(srv.URL+"/area.json"),
		jma.WithForecastBaseURL(srv.URL+"/forecast"),
		jma.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	store := memory.NewStore()
	report, err := newOrchestrator(client, store, pipeline.Options{Concurrency: 2}).Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A1"}, report.Succeeded())
	failed := report.Failed()
	require.Contains(t, failed, "A2")
	assert.Equal(t, 3, failed["A2"].Attempts)
	assert.Equal(t, domain.StageFetch, failed["A2"].Stage)
	assert.Equal(t, domain.ClassStatus, failed["A2"].ErrorClass)
	assert.Equal(t, int32(3), a2Calls.Load())

	series := store.TimeSeries()
	require.Len(t, series, 1)
	require.NotNil(t, series[0].TimeDefine)
	assert.Equal(t, "h1", *series[0].TimeDefine)

	conds := store.Conditions()
	require.Len(t, conds, 2)
	require.NotNil(t, conds[0].Weather)
	assert.Equal(t, "7-block", *conds[0].Weather)
	assert.Equal(t, 40, *conds[0].Pop)
	assert.Nil(t, conds[1].Weather)
	assert.Equal(t, 28, *conds[1].Temp)
}

func TestRun_UpsertsCenterBeforeLeaf(t *testing.T) {
	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{"A1": a1Forecast}}
	store := memory.NewStore()

	report, err := newOrchestrator(feed, store, pipeline.Options{}).Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A2"}, report.Succeeded())

	areas := store.Areas()
	require.Len(t, areas, 3)
	assert.Equal(t, domain.Area{Code: "R1", Name: "Region1"}, areas[0])
	assert.Equal(t, "A1", areas[1].Code)
	assert.Equal(t, "Area1", areas[1].Name)
	require.NotNil(t, areas[1].ParentCode)
	assert.Equal(t, "R1", *areas[1].ParentCode)
	assert.Equal(t, domain.UnknownAreaName, areas[2].Name)
}

func TestRun_StoreFailureRollsBackWholeArea(t *testing.T) {
	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{"A1": a1Forecast, "A2": a1Forecast}}
	inner := memory.NewStore()
	store := &failingStore{inner: inner, failCode: "A2"}

	report, err := newOrchestrator(feed, store, pipeline.Options{Concurrency: 1}).Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A1"}, report.Succeeded())
	failure := report.Failed()["A2"]
	assert.Equal(t, domain.StageStore, failure.Stage)
	assert.Equal(t, domain.ClassStore, failure.ErrorClass)
	var storeErr *domain.StoreError
	require.True(t, errors.As(failure.Err, &storeErr))
	assert.Equal(t, "insert condition", storeErr.Op)

	assert.Zero(t, inner.RowsForArea("A2"))
	assert.Equal(t, 5, inner.RowsForArea("A1"), "area, report, series and two conditions")
	for _, r := range inner.Reports() {
		assert.Equal(t, "A1", r.AreaCode)
	}
}

func TestRun_MalformedDocumentSkipsArea(t *testing.T) {
	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{
		"A2": `[{"publishingOffice": "o", "timeSeries": []}]`,
	}}
	store := memory.NewStore()

	report, err := newOrchestrator(feed, store, pipeline.Options{}).Ingest(context.Background())
	require.NoError(t, err)

	failure := report.Failed()["A2"]
	assert.Equal(t, domain.StageNormalize, failure.Stage)
	assert.Equal(t, domain.ClassMalformed, failure.ErrorClass)
	var malformed *domain.MalformedDocumentError
	require.True(t, errors.As(failure.Err, &malformed))
	assert.Equal(t, "reportDatetime", malformed.Field)
	assert.Zero(t, store.RowsForArea("A2"))
}

func TestRun_SucceededAndFailedPartitionLeafCodes(t *testing.T) {
	areaDoc := `{"centers": {
	  "R1": {"name": "Region1", "children": ["A1", "A2", "A3"]},
	  "R2": {"name": "Region2", "children": ["A4", "A2", "A5"]}
	}}`
	feed := &fakeFeed{areaDoc: areaDoc, errs: map[string]error{
		"A3": &domain.FetchFailure{URL: "u3", Attempts: 3, LastError: errors.New("connection reset")},
		"A5": &domain.FetchFailure{URL: "u5", Attempts: 3, LastError: &domain.StatusError{StatusCode: 404}},
	}}
	store := memory.NewStore()

	report, err := newOrchestrator(feed, store, pipeline.Options{Concurrency: 3}).Ingest(context.Background())
	require.NoError(t, err)

	succeeded := report.Succeeded()
	failed := report.Failed()
	assert.Len(t, report.Outcomes, 6, "duplicate leaf is ingested per occurrence")
	assert.Equal(t, int32(6), feed.calls.Load())
	assert.Equal(t, 5, len(succeeded)+len(failed))
	for _, code := range succeeded {
		assert.NotContains(t, failed, code)
	}
	assert.Equal(t, domain.ClassTransport, failed["A3"].ErrorClass)
	assert.Equal(t, domain.ClassStatus, failed["A5"].ErrorClass)
	assert.Len(t, store.Reports(), 4, "A2 stored twice, append-only")

	a2, ok := store.Area("A2")
	require.True(t, ok)
	assert.Equal(t, "R1", *a2.ParentCode, "first listing center")
}

func TestRun_BoundsConcurrency(t *testing.T) {
	areaDoc := `{"centers": {"R1": {"name": "Region1", "children": ["A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8"]}}}`
	feed := &fakeFeed{areaDoc: areaDoc, delay: 20 * time.Millisecond}

	report, err := newOrchestrator(feed, memory.NewStore(), pipeline.Options{Concurrency: 2}).Ingest(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Succeeded(), 8)
	assert.LessOrEqual(t, feed.maxSeen.Load(), int32(2))
}

func TestIngest_ParseErrorIsFatal(t *testing.T) {
	feed := &fakeFeed{areaDoc: `{"offices": {}}`}

	_, err := newOrchestrator(feed, memory.NewStore(), pipeline.Options{}).Ingest(context.Background())
	require.Error(t, err)
	var parseErr *domain.ParseError
	assert.True(t, errors.As(err, &parseErr))
	assert.Zero(t, feed.calls.Load())
}

func TestRun_StampsRunIdentity(t *testing.T) {
	frozen := time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(frozen))
	defer domain.SetClock(nil)

	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{"A1": a1Forecast}}
	store := memory.NewStore()

	report, err := newOrchestrator(feed, store, pipeline.Options{}).Ingest(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, report.RunID)
	assert.Equal(t, frozen, report.StartedAt)
	assert.Equal(t, frozen, report.FinishedAt)
	for _, r := range store.Reports() {
		assert.Equal(t, report.RunID, r.RunID)
		assert.Equal(t, frozen, r.IngestedAt)
	}
}

func TestRun_ExpandedSeriesMode(t *testing.T) {
	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{"A1": a1Forecast}}
	store := memory.NewStore()

	_, err := newOrchestrator(feed, store, pipeline.Options{SeriesMode: domain.SeriesExpanded}).Ingest(context.Background())
	require.NoError(t, err)

	var a1Series int
	a1Report := store.Reports()[0].ID
	for _, row := range store.TimeSeries() {
		if row.ReportID == a1Report {
			a1Series++
		}
	}
	assert.Equal(t, 7, a1Series)
}

func TestRun_ArchivesRawDocuments(t *testing.T) {
	feed := &fakeFeed{areaDoc: regionDoc, docs: map[string]string{"A1": a1Forecast}}
	archiver := &recordingArchiver{err: errors.New("bucket unavailable")}

	report, err := newOrchestrator(feed, memory.NewStore(), pipeline.Options{Archiver: archiver, Concurrency: 1}).Ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A1", "A2"}, report.Succeeded(), "archive errors never fail an area")
	assert.ElementsMatch(t, []string{
		report.RunID.String() + "/A1",
		report.RunID.String() + "/A2",
	}, archiver.keys)
}

// --- runner tests ---

type stubIngester struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	reports []domain.IngestionReport
}

func (s *stubIngester) Ingest(context.Context) (domain.IngestionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.IngestionReport{}, s.errs[i]
	}
	return domain.IngestionReport{RunID: uuid.New(), Outcomes: []domain.AreaOutcome{{Code: "A1"}}}, nil
}

func (s *stubIngester) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPublisher struct {
	mu        sync.Mutex
	published []domain.IngestionReport
	err       error
}

func (p *stubPublisher) Publish(_ context.Context, r domain.IngestionReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, r)
	return p.err
}

func TestRunner_RunOnceRecordsAndPublishes(t *testing.T) {
	ing := &stubIngester{}
	pub := &stubPublisher{err: errors.New("broker down")}
	metrics := observability.NewMetricsForTesting()
	r := pipeline.NewRunner(ing, 0, testLogger(), metrics, pipeline.WithPublisher(pub))

	require.Error(t, r.CheckReadiness(context.Background()))
	_, ok := r.Latest()
	assert.False(t, ok)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err, "publish failure is not a run failure")

	require.NoError(t, r.CheckReadiness(context.Background()))
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, report.RunID, latest.RunID)
	require.Len(t, pub.published, 1)
	assert.Equal(t, report.RunID, pub.published[0].RunID)
}

func TestRunner_RunOnceFatalError(t *testing.T) {
	ing := &stubIngester{errs: []error{&domain.ParseError{Reason: "centers missing"}}}
	r := pipeline.NewRunner(ing, 0, testLogger(), observability.NewMetricsForTesting())

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Error(t, r.CheckReadiness(context.Background()))
	assert.Equal(t, 1, ing.Calls())
}

func TestRunner_RepeatsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ing := &stubIngester{}
	r := pipeline.NewRunner(ing, time.Hour, testLogger(), observability.NewMetricsForTesting(), pipeline.WithRunnerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Equal(t, 1, ing.Calls())
	clock.Advance(time.Hour)

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Equal(t, 2, ing.Calls())

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_BacksOffAfterFatalError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fatal := errors.New("area document unavailable")
	ing := &stubIngester{errs: []error{fatal, fatal}}
	r := pipeline.NewRunner(ing, time.Hour, testLogger(), observability.NewMetricsForTesting(), pipeline.WithRunnerClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Equal(t, 2, ing.Calls())

	clock.Advance(399 * time.Millisecond)
	assert.Equal(t, 2, ing.Calls(), "second backoff is doubled")
	clock.Advance(time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	assert.Equal(t, 3, ing.Calls())
	require.NoError(t, r.CheckReadiness(context.Background()))

	cancel()
	require.NoError(t, <-done)
}
