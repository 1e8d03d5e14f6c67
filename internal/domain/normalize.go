package domain

import (
	"fmt"
	"strings"
)

// SeriesMode controls how the densest block of a report becomes rows.
type SeriesMode string

const (
	// SeriesRepresentative emits one time_series row per report, stamped with
	// timeDefines[0], and one condition per sub-area from index 0 of each array.
	SeriesRepresentative SeriesMode = "representative"

	// SeriesExpanded emits one time_series row per timeDefine of the densest
	// block; the conditions of row i are taken from index i.
	SeriesExpanded SeriesMode = "expanded"
)

// ParseSeriesMode validates a configured mode name.
func ParseSeriesMode(s string) (SeriesMode, error) {
	switch m := SeriesMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SeriesRepresentative, SeriesExpanded:
		return m, nil
	case "":
		return SeriesRepresentative, nil
	default:
		return "", fmt.Errorf("unknown series mode %q", s)
	}
}

// Normalize flattens one area's forecast document into rows. It fails only
// with *MalformedDocumentError when a report lacks publishingOffice,
// reportDatetime or timeSeries; missing optional arrays become nil fields.
// A report with no time-series blocks yields a report without child rows.
func Normalize(areaCode string, doc ForecastDocument, mode SeriesMode) ([]NormalizedReport, error) {
	if err := validateReports(areaCode, doc.Reports); err != nil {
		return nil, err
	}

	out := make([]NormalizedReport, 0, len(doc.Reports))
	for _, r := range doc.Reports {
		nr := NormalizedReport{
			Report: WeatherReport{
				AreaCode:         areaCode,
				PublishingOffice: *r.PublishingOffice,
				ReportDatetime:   *r.ReportDatetime,
			},
		}
		blocks := *r.TimeSeries
		if i := DensestBlock(blocks); i >= 0 {
			nr.Series = seriesFromBlock(blocks[i], mode)
		}
		out = append(out, nr)
	}
	return out, nil
}

func validateReports(areaCode string, reports []Report) error {
	for i, r := range reports {
		var field string
		switch {
		case r.PublishingOffice == nil:
			field = "publishingOffice"
		case r.ReportDatetime == nil:
			field = "reportDatetime"
		case r.TimeSeries == nil:
			field = "timeSeries"
		default:
			continue
		}
		return &MalformedDocumentError{AreaCode: areaCode, ReportIndex: i, Field: field}
	}
	return nil
}

// DensestBlock returns the index of the block with the most timeDefines, the
// first one on ties, or -1 when there are no blocks.
func DensestBlock(blocks []TimeSeriesBlock) int {
	if len(blocks) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(blocks); i++ {
		if len(blocks[i].TimeDefines) > len(blocks[best].TimeDefines) {
			best = i
		}
	}
	return best
}

func seriesFromBlock(block TimeSeriesBlock, mode SeriesMode) []NormalizedSeries {
	if mode != SeriesExpanded || len(block.TimeDefines) == 0 {
		return []NormalizedSeries{{
			Row:        TimeSeriesRow{TimeDefine: firstTimeDefine(block.TimeDefines)},
			Conditions: conditionsAt(block.Areas, 0),
		}}
	}

	series := make([]NormalizedSeries, len(block.TimeDefines))
	for i := range block.TimeDefines {
		td := block.TimeDefines[i]
		series[i] = NormalizedSeries{
			Row:        TimeSeriesRow{TimeDefine: &td},
			Conditions: conditionsAt(block.Areas, i),
		}
	}
	return series
}

func firstTimeDefine(defines []string) *string {
	if len(defines) == 0 {
		return nil
	}
	td := defines[0]
	return &td
}

func conditionsAt(entries []AreaEntry, i int) []WeatherCondition {
	conds := make([]WeatherCondition, 0, len(entries))
	for _, e := range entries {
		conds = append(conds, WeatherCondition{
			SubAreaCode: e.Area.Code,
			SubAreaName: e.Area.Name,
			WeatherCode: stringAt(e.WeatherCodes, i),
			Weather:     stringAt(e.Weathers, i),
			Pop:         intAt(e.Pops, i),
			Temp:        intAt(e.Temps, i),
			Wind:        stringAt(e.Winds, i),
			Wave:        stringAt(e.Waves, i),
		})
	}
	return conds
}
