// Package config loads server configuration from the environment and
// per-scope governance profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Port             string
	LogLevel         string
	DatabasePath     string // SQLite file; ":memory:" for ephemeral
	PostgresURL      string // optional; preferred over SQLite when set
	RedisURL         string // optional export feed
	ExportStream     string
	BundleDir        string // policy bundle directory
	ScopeProfilePath string // scopes.yaml
	CheckpointSecret string
	SweepInterval    string // Go duration, e.g. "5s"
	OTLPEndpoint     string

	// Segment archival runs only when ArchiveBackend is set.
	ArchiveBackend     string // "fs", "s3", or "gcs"
	ArchiveInterval    string // Go duration
	ArchiveSegmentSize uint64 // entries per sealed segment
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabasePath:     getenv("DATABASE_PATH", "actiongate.db"),
		PostgresURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ExportStream:     getenv("EXPORT_STREAM", "actiongate:ledger"),
		BundleDir:        getenv("POLICY_BUNDLE_DIR", "policies"),
		ScopeProfilePath: getenv("SCOPE_PROFILE_PATH", "scopes.yaml"),
		CheckpointSecret: os.Getenv("CHECKPOINT_SECRET"),
		SweepInterval:    getenv("SWEEP_INTERVAL", "5s"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),

		ArchiveBackend:     os.Getenv("ARCHIVE_BACKEND"),
		ArchiveInterval:    getenv("ARCHIVE_INTERVAL", "5m"),
		ArchiveSegmentSize: getenvUint("ARCHIVE_SEGMENT_SIZE", 1000),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
