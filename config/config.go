/*
config.go - Process configuration from .env files and the environment

PURPOSE:
  Collects every tunable of the service in one struct. Values come from a
  .env next to the binary, then a .env in the working directory, then the
  environment itself; godotenv never overrides a variable that is already
  set, so the environment wins.

  Malformed numbers and booleans fall back to their defaults with a
  warning rather than failing startup. An unknown ISO currency or database
  driver is an error.

SEE ALSO:
  - logging/logging.go: reads LOGS_FOLDER before Load runs
  - cmd/dioptra/main.go: the only caller
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/currency"

	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/store/sqldb"
)

// Archive drivers.
const (
	ArchiveMemory = "memory"
	ArchiveS3     = "s3"
)

// ArchiveConfig selects where uploaded source files are kept.
type ArchiveConfig struct {
	Driver          string
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// Config holds the complete application configuration.
type Config struct {
	Addr string

	DatabaseDriver string
	DatabaseURL    string

	// TransactionStoreURL is the external ledger. Empty disables
	// data-store loads.
	TransactionStoreURL string

	Currency currency.Unit

	Ingest ingest.Options

	DefaultCategory string
	DefaultCostType string

	Archive ArchiveConfig

	// ResyncInterval is the period of the background resync job; zero
	// disables it.
	ResyncInterval time.Duration

	LogsFolder string
}

// Load reads .env files and the environment.
func Load() (*Config, error) {
	if exePath, err := os.Executable(); err == nil {
		envPath := filepath.Join(filepath.Dir(exePath), ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("loaded configuration from binary directory")
		}
	}
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env in working directory, using the environment")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Addr:                getEnv("DIOPTRA_ADDR", ":8080"),
		DatabaseDriver:      getEnv("DATABASE_DRIVER", sqldb.DriverSQLite),
		DatabaseURL:         getEnv("DATABASE_URL", "dioptra.db"),
		TransactionStoreURL: getEnv("TRANSACTION_STORE_URL", ""),
		Ingest: ingest.Options{
			CoerceNumericCodes: getEnvBool("COERCE_NUMERIC_CODES", true),
			LineItemLimit:      getEnvInt("COST_LINE_ITEMS_ROW_LIMIT", ingest.DefaultLineItemLimit),
			TransactionLimit:   getEnvInt("IMPORTED_TRANSACTION_LIMIT", ingest.DefaultTransactionLimit),
		},
		DefaultCategory: getEnv("DEFAULT_CATEGORY", "Materials & Activities"),
		DefaultCostType: getEnv("DEFAULT_COST_TYPE", "Program Costs"),
		Archive: ArchiveConfig{
			Driver:          getEnv("ARCHIVE_DRIVER", ArchiveMemory),
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			PathStyle:       getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		},
		ResyncInterval: getEnvDuration("RESYNC_INTERVAL", 0),
		LogsFolder:     getEnv("LOGS_FOLDER", ""),
	}

	unit, err := currency.ParseISO(getEnv("ISO_CURRENCY_CODE", "USD"))
	if err != nil {
		return nil, fmt.Errorf("ISO_CURRENCY_CODE: %w", err)
	}
	cfg.Currency = unit

	switch cfg.DatabaseDriver {
	case sqldb.DriverSQLite, sqldb.DriverPostgres:
	default:
		return nil, fmt.Errorf("DATABASE_DRIVER: unsupported driver %q", cfg.DatabaseDriver)
	}
	switch cfg.Archive.Driver {
	case ArchiveMemory:
	case ArchiveS3:
		if cfg.Archive.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required with the s3 archive")
		}
	default:
		return nil, fmt.Errorf("ARCHIVE_DRIVER: unsupported driver %q", cfg.Archive.Driver)
	}
	return cfg, nil
}

// DataStoreEnabled reports whether transactions can be loaded from the
// external ledger.
func (c *Config) DataStoreEnabled() bool {
	return c.TransactionStoreURL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid boolean, using default")
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid number, using default")
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("15m") or whole seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
	return fallback
}
