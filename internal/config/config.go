// Package config loads runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/syncer"
	"github.com/joho/godotenv"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds every setting the binaries read.
type Config struct {
	Port        string
	DatabaseURL string
	Store       string
	LogLevel    string
	LogFormat   string

	ProviderBaseURL  string
	ProviderClientID string
	ProviderSecret   string
	ProviderTimeout  time.Duration

	SyncWorkers        int
	SyncMaxRestarts    int
	SyncMaxPageRetries int
	SyncBaseBackoff    time.Duration
	SyncMaxBackoff     time.Duration
	SyncPageSize       int
	SyncSchedule       string
	SnapshotSchedule   string

	GCPProject    string
	BQDataset     string
	ArchiveBucket string

	NotionToken        string
	NotionSummaryDBID  string
	NotionSnapshotDBID string

	GeminiModel       string
	ReviewSuggestions bool
}

// Load reads .env (if present) and the environment. A missing .env file is
// not an error; envLoaded reports whether one was read.
func Load() (cfg *Config, envLoaded bool, err error) {
	envLoaded = godotenv.Load() == nil

	cfg = &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Store:       strings.ToLower(getEnv("STORE", StorePostgres)),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		ProviderBaseURL:  getEnv("PROVIDER_BASE_URL", ""),
		ProviderClientID: getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderSecret:   getEnv("PROVIDER_SECRET", ""),

		SyncSchedule:     getEnv("SYNC_SCHEDULE", "@every 6h"),
		SnapshotSchedule: getEnv("SNAPSHOT_SCHEDULE", "@daily"),

		GCPProject:    getEnv("GCP_PROJECT", ""),
		BQDataset:     getEnv("BQ_DATASET", "finance_sync"),
		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),

		NotionToken:        getEnv("NOTION_TOKEN", ""),
		NotionSummaryDBID:  getEnv("NOTION_SUMMARY_DB_ID", ""),
		NotionSnapshotDBID: getEnv("NOTION_SNAPSHOT_DB_ID", ""),

		GeminiModel: getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
	}

	defaults := syncer.DefaultConfig()
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.SyncWorkers, err = getInt("SYNC_WORKERS", 4)
	collect(err)
	cfg.SyncMaxRestarts, err = getInt("SYNC_MAX_RESTARTS", defaults.MaxCycleRestarts)
	collect(err)
	cfg.SyncMaxPageRetries, err = getInt("SYNC_MAX_PAGE_RETRIES", defaults.MaxPageRetries)
	collect(err)
	cfg.SyncBaseBackoff, err = getDuration("SYNC_BASE_BACKOFF", defaults.BaseBackoff)
	collect(err)
	cfg.SyncMaxBackoff, err = getDuration("SYNC_MAX_BACKOFF", defaults.MaxBackoff)
	collect(err)
	cfg.SyncPageSize, err = getInt("SYNC_PAGE_SIZE", 500)
	collect(err)
	cfg.ReviewSuggestions, err = getBool("REVIEW_SUGGESTIONS", false)
	collect(err)

	if len(errs) > 0 {
		return nil, envLoaded, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, envLoaded, err
	}
	return cfg, envLoaded, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE %q", c.Store))
	}
	if c.SyncWorkers < 1 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers))
	}
	if c.SyncMaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_RESTARTS must not be negative, got %d", c.SyncMaxRestarts))
	}
	if c.SyncMaxPageRetries < 0 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_PAGE_RETRIES must not be negative, got %d", c.SyncMaxPageRetries))
	}
	if c.SyncBaseBackoff <= 0 || c.SyncMaxBackoff < c.SyncBaseBackoff {
		errs = append(errs, fmt.Errorf("backoff must satisfy 0 < SYNC_BASE_BACKOFF (%s) <= SYNC_MAX_BACKOFF (%s)", c.SyncBaseBackoff, c.SyncMaxBackoff))
	}
	if c.SyncPageSize < 1 || c.SyncPageSize > 500 {
		errs = append(errs, fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 500, got %d", c.SyncPageSize))
	}
	if (c.NotionSummaryDBID != "" || c.NotionSnapshotDBID != "") && c.NotionToken == "" {
		errs = append(errs, errors.New("NOTION_TOKEN is required when a Notion database ID is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SyncConfig returns the retry budget for the sync coordinator.
func (c *Config) SyncConfig() syncer.Config {
	cfg := syncer.DefaultConfig()
	cfg.MaxCycleRestarts = c.SyncMaxRestarts
	cfg.MaxPageRetries = c.SyncMaxPageRetries
	cfg.BaseBackoff = c.SyncBaseBackoff
	cfg.MaxBackoff = c.SyncMaxBackoff
	cfg.PageTimeout = c.ProviderTimeout
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
