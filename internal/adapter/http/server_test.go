package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/jma-forecast-etl/internal/adapter/http"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockRuns struct {
	report *domain.IngestionReport
}

func (m *mockRuns) Latest() (domain.IngestionReport, bool) {
	if m.report == nil {
		return domain.IngestionReport{}, false
	}
	return *m.report, true
}

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, &mockRuns{}, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("not ready yet"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLatestRunReturns404BeforeFirstRun(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/latest", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestRunReturnsSummary(t *testing.T) {
	report := &domain.IngestionReport{
		RunID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		Outcomes: []domain.AreaOutcome{
			{Code: "A1"},
			{Code: "A2", Failure: &domain.AreaFailure{Stage: domain.StageFetch, Attempts: 3, ErrorClass: domain.ClassStatus, Err: fmt.Errorf("status 500")}},
		},
	}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockRuns{report: report}, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/latest", nil)

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body domain.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "00000000-0000-0000-0000-0000000000aa", body.RunID)
	assert.Equal(t, []string{"A1"}, body.Succeeded)
	assert.Equal(t, 3, body.Failed["A2"].Attempts)
	assert.Equal(t, "status 500", body.Failed["A2"].Error)
}

func TestAllReady(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, httpadapter.AllReady(&mockReadiness{}, &mockReadiness{}).CheckReadiness(ctx))

	err := httpadapter.AllReady(&mockReadiness{}, &mockReadiness{err: fmt.Errorf("database down")}).CheckReadiness(ctx)
	require.Error(t, err)
	assert.Equal(t, "database down", err.Error())
}
