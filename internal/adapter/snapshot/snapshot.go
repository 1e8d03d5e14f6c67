// Package snapshot reads and writes on-disk copies of the feed: the area
// document as area_data.json and every leaf forecast as all_forecasts.json.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

// File names inside a snapshot directory.
const (
	AreaFile      = "area_data.json"
	ForecastsFile = "all_forecasts.json"
)

var errNotInSnapshot = errors.New("area not present in snapshot")

// Entry is one element of all_forecasts.json.
type Entry struct {
	AreaCode    string          `json:"area_code"`
	WeatherData json.RawMessage `json:"weather_data"`
}

// Write stores the area document and forecast entries under dir, creating it
// when needed.
func Write(dir string, areaDoc []byte, entries []Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	// The area document is indented, never re-encoded: centers order decides
	// leaf order and each leaf's first listing center.
	var area bytes.Buffer
	if err := json.Indent(&area, areaDoc, "", "    "); err != nil {
		return fmt.Errorf("decode area document: %w", err)
	}
	area.WriteByte('\n')
	if err := writeFile(filepath.Join(dir, AreaFile), area.Bytes()); err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return writeJSON(filepath.Join(dir, ForecastsFile), entries)
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, buf.Bytes())
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Source replays a snapshot directory in place of the live feed.
type Source struct {
	dir       string
	areaDoc   []byte
	forecasts map[string]json.RawMessage
}

// Open loads both snapshot files from dir. When an area code appears more
// than once in all_forecasts.json the first entry is used.
func Open(dir string) (*Source, error) {
	areaDoc, err := os.ReadFile(filepath.Join(dir, AreaFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ForecastsFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ForecastsFile, err)
	}

	forecasts := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		if _, dup := forecasts[e.AreaCode]; !dup {
			forecasts[e.AreaCode] = e.WeatherData
		}
	}
	return &Source{dir: dir, areaDoc: areaDoc, forecasts: forecasts}, nil
}

// FetchAreaTree parses the snapshot's area document.
func (s *Source) FetchAreaTree(context.Context) (*domain.AreaTree, error) {
	return domain.ParseAreaTree(s.areaDoc)
}

// FetchForecast returns the snapshot entry for areaCode. A missing or
// undecodable entry is a one-attempt *domain.FetchFailure.
func (s *Source) FetchForecast(ctx context.Context, areaCode string) (domain.ForecastDocument, error) {
	url := s.url(areaCode)
	if err := ctx.Err(); err != nil {
		return domain.ForecastDocument{}, &domain.FetchFailure{URL: url, Attempts: 0, LastError: err}
	}
	raw, ok := s.forecasts[areaCode]
	if !ok {
		return domain.ForecastDocument{}, &domain.FetchFailure{URL: url, Attempts: 1, LastError: errNotInSnapshot}
	}
	doc, err := domain.ParseForecastDocument(raw)
	if err != nil {
		return domain.ForecastDocument{}, &domain.FetchFailure{URL: url, Attempts: 1, LastError: err}
	}
	return doc, nil
}

func (s *Source) url(areaCode string) string {
	return "file://" + filepath.Join(s.dir, ForecastsFile) + "#" + areaCode
}
