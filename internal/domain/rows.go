package domain

import (
	"time"

	"github.com/google/uuid"
)

// Area is a persisted areas row. Region centers have a nil ParentCode.
type Area struct {
	Code       string
	Name       string
	ParentCode *string
}

// WeatherReport is a persisted weather_reports row.
type WeatherReport struct {
	ID               int64
	AreaCode         string
	PublishingOffice string
	ReportDatetime   string
	RunID            uuid.UUID
	IngestedAt       time.Time
}

// TimeSeriesRow is a persisted time_series row. TimeDefine is nil when the
// selected block had no timeDefines.
type TimeSeriesRow struct {
	ID         int64
	ReportID   int64
	TimeDefine *string
}

// WeatherCondition is a persisted weather_conditions row. Every value field is
// nil when the source array was absent or too short.
type WeatherCondition struct {
	ID              int64
	TimeSeriesRowID int64
	SubAreaCode     string
	SubAreaName     string
	WeatherCode     *string
	Weather         *string
	Pop             *int
	Temp            *int
	Wind            *string
	Wave            *string
}

// NormalizedSeries is one time_series row and the conditions that reference it.
type NormalizedSeries struct {
	Row        TimeSeriesRow
	Conditions []WeatherCondition
}

// NormalizedReport is one report and its child rows, ready to persist. IDs are
// left zero; the store assigns them.
type NormalizedReport struct {
	Report WeatherReport
	Series []NormalizedSeries
}
