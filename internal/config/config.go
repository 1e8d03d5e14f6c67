package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const maxConcurrency = 64

// Config holds all service settings, populated from environment variables
// layered over an optional YAML file.
type Config struct {
	AreaURL         string
	ForecastBaseURL string

	FetchMaxAttempts int
	FetchRetryDelay  time.Duration
	FetchTimeout     time.Duration
	FetchRateLimit   float64

	IngestConcurrency int
	IngestInterval    time.Duration
	SeriesMode        domain.SeriesMode

	StoreDriver      string
	DatabaseURL      string
	DatabaseMaxConns int32

	KafkaBrokers      []string
	KafkaSummaryTopic string

	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveRegion    string
	ArchiveBucket    string
	ArchiveUseSSL    bool

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// ArchiveEnabled reports whether raw documents should be archived.
func (c *Config) ArchiveEnabled() bool { return c.ArchiveEndpoint != "" }

// KafkaEnabled reports whether run summaries should be published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Load reads configuration from environment variables, then CONFIG_FILE when
// set, applying defaults where both are unset.
func Load() (*Config, error) {
	file, err := readFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	shutdownTimeout, err := src.shutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AreaURL:           src.get("JMA_AREA_URL", "https://www.jma.go.jp/bosai/common/const/area.json"),
		ForecastBaseURL:   src.get("JMA_FORECAST_BASE_URL", "https://www.jma.go.jp/bosai/forecast/data/forecast"),
		StoreDriver:       strings.ToLower(src.get("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:       src.get("DATABASE_URL", "postgres://localhost:5432/weather?sslmode=disable"),
		KafkaBrokers:      parseBrokers(src.get("KAFKA_BROKERS", "")),
		KafkaSummaryTopic: src.get("KAFKA_SUMMARY_TOPIC", "jma-ingestion-runs"),
		ArchiveEndpoint:   src.get("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey:  src.get("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey:  src.get("ARCHIVE_SECRET_KEY", ""),
		ArchiveRegion:     src.get("ARCHIVE_REGION", ""),
		ArchiveBucket:     src.get("ARCHIVE_BUCKET", "jma-raw-forecasts"),
		HTTPAddr:          src.get("HTTP_ADDR", ":8080"),
		LogLevel:          src.get("LOG_LEVEL", "info"),
		LogFormat:         src.get("LOG_FORMAT", "json"),
		ShutdownTimeout:   shutdownTimeout,
	}

	if cfg.FetchMaxAttempts, err = src.intValue("FETCH_MAX_ATTEMPTS", "3"); err != nil {
		return nil, err
	}
	if cfg.FetchRetryDelay, err = src.duration("FETCH_RETRY_DELAY", "1s"); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = src.duration("FETCH_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.FetchRateLimit, err = src.floatValue("FETCH_RATE_LIMIT", "5"); err != nil {
		return nil, err
	}
	if cfg.IngestConcurrency, err = src.intValue("INGEST_CONCURRENCY", "4"); err != nil {
		return nil, err
	}
	if cfg.IngestInterval, err = src.duration("INGEST_INTERVAL", "0"); err != nil {
		return nil, err
	}
	if cfg.SeriesMode, err = domain.ParseSeriesMode(src.get("SERIES_MODE", string(domain.SeriesRepresentative))); err != nil {
		return nil, fmt.Errorf("invalid SERIES_MODE: %w", err)
	}
	if cfg.DatabaseMaxConns, err = src.int32Value("DATABASE_MAX_CONNS", "4"); err != nil {
		return nil, err
	}
	if cfg.ArchiveUseSSL, err = src.boolValue("ARCHIVE_USE_SSL", "true"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.AreaURL == "":
		return errors.New("JMA_AREA_URL is required")
	case c.ForecastBaseURL == "":
		return errors.New("JMA_FORECAST_BASE_URL is required")
	case c.FetchMaxAttempts < 1:
		return errors.New("FETCH_MAX_ATTEMPTS must be at least 1")
	case c.FetchRetryDelay < 0:
		return errors.New("FETCH_RETRY_DELAY cannot be negative")
	case c.FetchTimeout <= 0:
		return errors.New("FETCH_TIMEOUT must be positive")
	case c.FetchRateLimit < 0:
		return errors.New("FETCH_RATE_LIMIT cannot be negative")
	case c.IngestConcurrency < 1 || c.IngestConcurrency > maxConcurrency:
		return fmt.Errorf("INGEST_CONCURRENCY must be between 1 and %d", maxConcurrency)
	case c.IngestInterval < 0:
		return errors.New("INGEST_INTERVAL cannot be negative")
	case c.StoreDriver != DriverPostgres && c.StoreDriver != DriverMemory:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", DriverPostgres, DriverMemory)
	case c.StoreDriver == DriverPostgres && c.DatabaseURL == "":
		return errors.New("DATABASE_URL is required for the postgres driver")
	case c.DatabaseMaxConns < 1:
		return errors.New("DATABASE_MAX_CONNS must be at least 1")
	case c.KafkaEnabled() && c.KafkaSummaryTopic == "":
		return errors.New("KAFKA_SUMMARY_TOPIC is required when KAFKA_BROKERS is set")
	case c.ArchiveEnabled() && c.ArchiveBucket == "":
		return errors.New("ARCHIVE_BUCKET is required when ARCHIVE_ENDPOINT is set")
	}
	return nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key, def string) string {
	if v, ok := s.file[key]; ok && v != "" {
		def = v
	}
	return sharedcfg.EnvOrDefault(key, def)
}

func (s source) shutdownTimeout() (time.Duration, error) {
	if _, inEnv := os.LookupEnv("SHUTDOWN_TIMEOUT"); inEnv || s.file["SHUTDOWN_TIMEOUT"] == "" {
		return sharedcfg.ParseShutdownTimeout()
	}
	d, err := time.ParseDuration(s.file["SHUTDOWN_TIMEOUT"])
	if err != nil || d <= 0 {
		return 0, errors.New("invalid SHUTDOWN_TIMEOUT")
	}
	return d, nil
}

func (s source) duration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s.get(key, def)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func (s source) intValue(key, def string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s.get(key, def)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (s source) int32Value(key, def string) (int32, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s.get(key, def)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return int32(n), nil
}

func (s source) floatValue(key, def string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s.get(key, def)), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func (s source) boolValue(key, def string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s.get(key, def)))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// readFile loads a flat YAML mapping of config keys. An empty path yields no
// values.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			values[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func parseBrokers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(s)
}
