// Package config loads process configuration from the environment and the
// control-plane policy from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	LogLevel     string
	LogFormat    string
	DBDriver     string
	DatabaseURL  string
	RedisAddr    string
	PolicyFile   string
	PolicySHA256 string
	OperatorKey  string
	OTLPEndpoint string
	Telemetry    bool
	ApprovalTTL  time.Duration

	ArchiveBackend  string
	ArchiveDir      string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string
}

// Load loads configuration from EXOARMUR_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        strings.ToUpper(getenv("EXOARMUR_LOG_LEVEL", "INFO")),
		LogFormat:       getenv("EXOARMUR_LOG_FORMAT", "json"),
		DBDriver:        getenv("EXOARMUR_DB_DRIVER", "sqlite"),
		DatabaseURL:     os.Getenv("EXOARMUR_DATABASE_URL"),
		RedisAddr:       os.Getenv("EXOARMUR_REDIS_ADDR"),
		PolicyFile:      os.Getenv("EXOARMUR_POLICY_FILE"),
		PolicySHA256:    strings.ToLower(os.Getenv("EXOARMUR_POLICY_SHA256")),
		OperatorKey:     os.Getenv("EXOARMUR_OPERATOR_KEY"),
		OTLPEndpoint:    os.Getenv("EXOARMUR_OTLP_ENDPOINT"),
		ArchiveBackend:  getenv("EXOARMUR_ARCHIVE_BACKEND", "fs"),
		ArchiveDir:      getenv("EXOARMUR_ARCHIVE_DIR", "data"),
		ArchiveBucket:   os.Getenv("EXOARMUR_ARCHIVE_BUCKET"),
		ArchiveRegion:   os.Getenv("EXOARMUR_ARCHIVE_REGION"),
		ArchiveEndpoint: os.Getenv("EXOARMUR_ARCHIVE_ENDPOINT"),
		ArchivePrefix:   os.Getenv("EXOARMUR_ARCHIVE_PREFIX"),
	}

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return nil, fmt.Errorf("config: EXOARMUR_LOG_LEVEL %q is not one of DEBUG, INFO, WARN, ERROR", cfg.LogLevel)
	}

	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "file:exoarmur.db?_pragma=busy_timeout(5000)"
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "postgres://exoarmur@localhost:5432/exoarmur?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("config: EXOARMUR_DB_DRIVER %q is not sqlite or postgres", cfg.DBDriver)
	}

	if v := os.Getenv("EXOARMUR_TELEMETRY"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: EXOARMUR_TELEMETRY: %w", err)
		}
		cfg.Telemetry = on
	}

	if v := os.Getenv("EXOARMUR_APPROVAL_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: EXOARMUR_APPROVAL_TTL: %w", err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("config: EXOARMUR_APPROVAL_TTL must be positive")
		}
		cfg.ApprovalTTL = ttl
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
