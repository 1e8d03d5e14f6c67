package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/jma-forecast-etl/internal/adapter/snapshot"
)

const areaDoc = `{"centers": {"R1": {"name": "Region1", "children": ["A1", "A2"]}}}`

const forecastDoc = `[{"publishingOffice": "o", "reportDatetime": "d",
  "timeSeries": [{"timeDefines": ["t0"], "areas": [{"area": {"name": "n", "code": "c"}, "weathers": ["晴れ"]}]}]}]`

func TestValidate_CleanSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, snapshot.Write(dir, []byte(areaDoc), []snapshot.Entry{
		{AreaCode: "A1", WeatherData: json.RawMessage(forecastDoc)},
		{AreaCode: "A2", WeatherData: json.RawMessage(forecastDoc)},
	}))

	var out bytes.Buffer
	failures, err := validate(context.Background(), &out, dir, "representative")
	require.NoError(t, err)
	assert.Zero(t, failures, out.String())
	assert.Contains(t, out.String(), "rows: areas=3 reports=2 time_series=2 conditions=2")
}

func TestValidate_ReportsMissingArea(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, snapshot.Write(dir, []byte(areaDoc), []snapshot.Entry{
		{AreaCode: "A1", WeatherData: json.RawMessage(forecastDoc)},
	}))

	var out bytes.Buffer
	failures, err := validate(context.Background(), &out, dir, "representative")
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.Contains(t, out.String(), "area A2: fetch failed")
}

func TestValidate_RejectsUnknownMode(t *testing.T) {
	_, err := validate(context.Background(), &bytes.Buffer{}, t.TempDir(), "hourly")
	assert.Error(t, err)
}
