package domain

import "context"

// Store persists normalized rows. WithinTx runs fn as one atomic unit: when fn
// returns an error every write made through tx is discarded. Implementations
// must isolate concurrent units from each other.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error
}

// StoreTx is the write surface available inside a unit.
type StoreTx interface {
	// UpsertArea inserts the area when its code is absent and does nothing
	// otherwise. An existing row is never updated.
	UpsertArea(ctx context.Context, area Area) error

	InsertReport(ctx context.Context, report WeatherReport) (int64, error)
	InsertTimeSeriesRow(ctx context.Context, reportID int64, timeDefine *string) (int64, error)
	InsertCondition(ctx context.Context, rowID int64, cond WeatherCondition) error
}
