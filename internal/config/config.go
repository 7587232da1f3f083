// Package config provides configuration loading for the ingest service.
// It handles environment variable parsing and provides default values for
// all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. godotenv.Load() does not override already-set
// environment variables, preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored.
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the ingest service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP ops server port
	DatabaseDSN string // PostgreSQL connection string
	NATSURL     string // NATS server URL

	S3Endpoint  string // S3-compatible storage endpoint (empty for AWS)
	S3Region    string // S3 region
	S3Bucket    string // Bucket holding raw, failed and durable log objects
	S3AccessKey string // S3 access key (empty to use the default chain)
	S3SecretKey string // S3 secret key

	AccountsURL string // Accounts service URL for token resolution (optional)
	ParserURL   string // Log parser sidecar URL
	CardsPath   string // Card database snapshot path (optional)

	// Processing limits
	ProcessTimeout time.Duration // Budget for one upload-event processing attempt
	AckWait        time.Duration // Broker redelivery window, must exceed ProcessTimeout
	MaxLogSize     int64         // Maximum accepted raw log size in bytes
}

// Default configuration values used when environment variables are not set.
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultProcessTimeout = 55 * time.Second
	defaultAckWait        = 2 * time.Minute
	defaultMaxLogSize     = 50 * 1024 * 1024
)

// Load reads environment variables and produces a Config suitable for
// wiring the service. It returns an error when required parameters are
// missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("INGEST_ENV", defaultEnv),
		Port:           getEnv("INGEST_PORT", defaultPort),
		DatabaseDSN:    os.Getenv("INGEST_DB_DSN"),
		NATSURL:        os.Getenv("INGEST_NATS_URL"),
		S3Endpoint:     os.Getenv("INGEST_S3_ENDPOINT"),
		S3Region:       getEnv("INGEST_S3_REGION", defaultS3Region),
		S3Bucket:       os.Getenv("INGEST_S3_BUCKET"),
		S3AccessKey:    os.Getenv("INGEST_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("INGEST_S3_SECRET_KEY"),
		AccountsURL:    os.Getenv("INGEST_ACCOUNTS_URL"),
		ParserURL:      os.Getenv("INGEST_PARSER_URL"),
		CardsPath:      os.Getenv("INGEST_CARDS_PATH"),
		ProcessTimeout: defaultProcessTimeout,
		AckWait:        defaultAckWait,
		MaxLogSize:     defaultMaxLogSize,
	}

	if v, exists := os.LookupEnv("INGEST_PROCESS_TIMEOUT"); exists {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid INGEST_PROCESS_TIMEOUT: %w", err)
		}
		cfg.ProcessTimeout = d
	}

	if v, exists := os.LookupEnv("INGEST_ACK_WAIT"); exists {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid INGEST_ACK_WAIT: %w", err)
		}
		cfg.AckWait = d
	}

	if v, exists := os.LookupEnv("INGEST_MAX_LOG_SIZE"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid INGEST_MAX_LOG_SIZE: %w", err)
		}
		cfg.MaxLogSize = size
	}

	if cfg.S3Bucket == "" {
		return cfg, fmt.Errorf("INGEST_S3_BUCKET is required")
	}

	// Redelivery before the processing budget expires would double-process.
	if cfg.AckWait <= cfg.ProcessTimeout {
		return cfg, fmt.Errorf("INGEST_ACK_WAIT (%s) must exceed INGEST_PROCESS_TIMEOUT (%s)", cfg.AckWait, cfg.ProcessTimeout)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback
// if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
