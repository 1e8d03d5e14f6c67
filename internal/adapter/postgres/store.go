// Package postgres persists normalized forecast rows in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

// Store writes rows through a connection pool. Each WithinTx call holds one
// pooled connection for the life of its transaction.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses dsn, builds a pool of at most maxConns connections and checks it
// with a ping.
func Open(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn inside a single transaction, rolling back when fn or the
// commit fails.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.StoreTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) UpsertArea(ctx context.Context, area domain.Area) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO areas (area_code, area_name, parent_area_code)
		VALUES ($1, $2, $3)
		ON CONFLICT (area_code) DO NOTHING
	`, area.Code, area.Name, area.ParentCode)
	return err
}

func (t *tx) InsertReport(ctx context.Context, report domain.WeatherReport) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO weather_reports (area_code, publishing_office, report_datetime, run_id, ingested_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, report.AreaCode, report.PublishingOffice, report.ReportDatetime, report.RunID, report.IngestedAt).Scan(&id)
	return id, err
}

func (t *tx) InsertTimeSeriesRow(ctx context.Context, reportID int64, timeDefine *string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO time_series (report_id, time_define)
		VALUES ($1, $2)
		RETURNING id
	`, reportID, timeDefine).Scan(&id)
	return id, err
}

func (t *tx) InsertCondition(ctx context.Context, rowID int64, cond domain.WeatherCondition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO weather_conditions
			(time_series_id, sub_area_code, sub_area_name, weather_code, weather, pop, temp, wind, wave)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rowID, cond.SubAreaCode, cond.SubAreaName, cond.WeatherCode, cond.Weather, cond.Pop, cond.Temp, cond.Wind, cond.Wave)
	return err
}

var _ domain.Store = (*Store)(nil)
