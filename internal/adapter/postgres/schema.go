package postgres

// schema creates the four ingestion tables. Areas are keyed by code; every
// other table is append-only with generated ids.
const schema = `
CREATE TABLE IF NOT EXISTS areas (
	area_code        TEXT PRIMARY KEY,
	area_name        TEXT NOT NULL,
	parent_area_code TEXT REFERENCES areas (area_code)
);

CREATE TABLE IF NOT EXISTS weather_reports (
	id                BIGSERIAL PRIMARY KEY,
	area_code         TEXT NOT NULL REFERENCES areas (area_code),
	publishing_office TEXT NOT NULL,
	report_datetime   TEXT NOT NULL,
	run_id            UUID NOT NULL,
	ingested_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS weather_reports_area_code_idx ON weather_reports (area_code);
CREATE INDEX IF NOT EXISTS weather_reports_run_id_idx ON weather_reports (run_id);

CREATE TABLE IF NOT EXISTS time_series (
	id          BIGSERIAL PRIMARY KEY,
	report_id   BIGINT NOT NULL REFERENCES weather_reports (id),
	time_define TEXT
);

CREATE TABLE IF NOT EXISTS weather_conditions (
	id                  BIGSERIAL PRIMARY KEY,
	time_series_id      BIGINT NOT NULL REFERENCES time_series (id),
	sub_area_code       TEXT NOT NULL,
	sub_area_name       TEXT NOT NULL,
	weather_code        TEXT,
	weather             TEXT,
	pop                 INTEGER,
	temp                INTEGER,
	wind                TEXT,
	wave                TEXT
);
`
