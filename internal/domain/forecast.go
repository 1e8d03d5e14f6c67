package domain

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// ForecastDocument is one area's raw forecast: an ordered list of reports.
// Raw holds the bytes it was decoded from.
type ForecastDocument struct {
	Reports []Report
	Raw     json.RawMessage
}

// Report is one forecast issuance. Required fields are pointers so that an
// absent field can be told apart from an empty one.
type Report struct {
	PublishingOffice *string           `json:"publishingOffice"`
	ReportDatetime   *string           `json:"reportDatetime"`
	TimeSeries       *[]TimeSeriesBlock `json:"timeSeries"`
}

// TimeSeriesBlock is one cadence-homogeneous run of forecast periods.
type TimeSeriesBlock struct {
	TimeDefines []string    `json:"timeDefines"`
	Areas       []AreaEntry `json:"areas"`
}

// AreaRef names the sub-area an AreaEntry describes.
type AreaRef struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// AreaEntry holds the per-period values for one sub-area of a block. Every
// array is aligned with the block's TimeDefines and may be shorter or absent.
type AreaEntry struct {
	Area         AreaRef      `json:"area"`
	WeatherCodes []FeedString `json:"weatherCodes,omitempty"`
	Weathers     []FeedString `json:"weathers,omitempty"`
	Pops         []FeedString `json:"pops,omitempty"`
	Temps        []FeedString `json:"temps,omitempty"`
	Winds        []FeedString `json:"winds,omitempty"`
	Waves        []FeedString `json:"waves,omitempty"`
}

// FeedString is a scalar the feed sends either as a JSON string or a number.
// null decodes to the empty string.
type FeedString string

func (s *FeedString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FeedString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FeedString(n.String())
	return nil
}

// ParseForecastDocument decodes a forecast document. Only the JSON shape is
// checked here; required fields are enforced by Normalize.
func ParseForecastDocument(data []byte) (ForecastDocument, error) {
	var reports []Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return ForecastDocument{}, &DecodeError{Err: err}
	}
	if reports == nil {
		return ForecastDocument{}, &DecodeError{Err: errNullDocument}
	}
	return ForecastDocument{Reports: reports, Raw: append(json.RawMessage(nil), data...)}, nil
}

var errNullDocument = errors.New("forecast document is null")

// stringAt returns values[i] or nil when i is out of range.
func stringAt(values []FeedString, i int) *string {
	if i < 0 || i >= len(values) {
		return nil
	}
	s := string(values[i])
	return &s
}

// intAt returns values[i] as an integer, or nil when i is out of range or the
// value is not numeric or does not fit a 32-bit column.
func intAt(values []FeedString, i int) *int {
	s := stringAt(values, i)
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if n, err := strconv.ParseInt(v, 10, 32); err == nil {
		m := int(n)
		return &m
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	f = math.Trunc(f)
	if f < math.MinInt32 || f > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}
