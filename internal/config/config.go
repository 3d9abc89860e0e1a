// Package config provides configuration loading for the file storage service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local when present. godotenv.Load never overrides
// variables already set in the process, so OS env > .env.local > .env.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the file storage service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string, empty means in-memory
	NATSURL     string // NATS server URL, empty disables events

	// Storage strategy selection and backends
	StorageStrategy  string // Active strategy name (embedded, s3)
	S3Endpoint       string // S3-compatible storage endpoint
	S3Region         string // S3 region
	S3Bucket         string // S3 bucket name, empty disables the s3 strategy
	S3AccessKey      string // S3 access key
	S3SecretKey      string // S3 secret key
	S3Prefix         string // Key prefix inside the bucket
	EmbeddedCapacity int64  // Optional quota reported by embedded statistics

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint of the identity provider

	// Upload policy
	MaxFileSize      int64    // Maximum payload size in bytes (default 10MB)
	AllowedMimeTypes []string // Allowed MIME types for uploads
	DedupEnabled     bool     // Resolve duplicate uploads to the existing record
	DefaultBucket    string   // Bucket used when the caller names none
	TempBucket       string   // Bucket swept by the retention sweeper

	// Lifetimes and timeouts
	URLTTL           time.Duration // Default lifetime of access and download URLs
	TempTTLHours     int           // Age after which temp-bucket files are swept
	SweepSchedule    string        // Cron spec of the retention sweeper
	OperationTimeout time.Duration // Bound on each physical storage call
	StoreRetries     int           // Extra attempts for the idempotent store call

	// Signed blob URLs
	PublicBaseURL    string // External base URL of this service
	URLSigningSecret string // HMAC secret for blob URL tokens

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	TraceStdout        bool     // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv              = "dev"
	defaultPort             = "8080"
	defaultS3Region         = "us-east-1"
	defaultStrategy         = "embedded"
	defaultMaxFileSize      = 10 * 1024 * 1024
	defaultMimeTypes        = "image/jpeg,image/png,image/gif,image/webp,video/mp4,audio/mpeg,application/pdf,text/plain"
	defaultBucket           = "default"
	defaultTempBucket       = "temp"
	defaultURLTTLMinutes    = 60
	defaultTempTTLHours     = 24
	defaultSweepSchedule    = "@every 1h"
	defaultOperationTimeout = 30 * time.Second
	defaultStoreRetries     = 2
	devSigningSecret        = "dev-only-url-signing-secret"
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:              getEnv("FS_ENV", defaultEnv),
		Port:             getEnv("FS_PORT", defaultPort),
		DatabaseDSN:      os.Getenv("FS_DB_DSN"),
		NATSURL:          os.Getenv("FS_NATS_URL"),
		StorageStrategy:  getEnv("FS_STORAGE_STRATEGY", defaultStrategy),
		S3Endpoint:       os.Getenv("FS_S3_ENDPOINT"),
		S3Region:         getEnv("FS_S3_REGION", defaultS3Region),
		S3Bucket:         os.Getenv("FS_S3_BUCKET"),
		S3AccessKey:      os.Getenv("FS_S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("FS_S3_SECRET_KEY"),
		S3Prefix:         os.Getenv("FS_S3_PREFIX"),
		JWTIssuer:        os.Getenv("FS_JWT_ISSUER"),
		JWTAudience:      os.Getenv("FS_JWT_AUDIENCE"),
		JWKSURL:          os.Getenv("FS_JWKS_URL"),
		AllowedMimeTypes: splitList(getEnv("FS_ALLOWED_MIME_TYPES", defaultMimeTypes)),
		DedupEnabled:     parseBool(getEnv("FS_DEDUP_ENABLED", "true")),
		DefaultBucket:    getEnv("FS_DEFAULT_BUCKET", defaultBucket),
		TempBucket:       getEnv("FS_TEMP_BUCKET", defaultTempBucket),
		SweepSchedule:    getEnv("FS_SWEEP_SCHEDULE", defaultSweepSchedule),
		PublicBaseURL:    getEnv("FS_PUBLIC_BASE_URL", "http://localhost:"+getEnv("FS_PORT", defaultPort)),
		URLSigningSecret: os.Getenv("FS_URL_SIGNING_SECRET"),
		TraceStdout:      parseBool(os.Getenv("FS_TRACE_STDOUT")),
	}

	var err error
	if cfg.MaxFileSize, err = getInt64("FS_MAX_FILE_SIZE", defaultMaxFileSize); err != nil {
		return cfg, err
	}
	if cfg.EmbeddedCapacity, err = getInt64("FS_EMBEDDED_CAPACITY", 0); err != nil {
		return cfg, err
	}

	ttlMinutes, err := getInt64("FS_URL_TTL_MINUTES", defaultURLTTLMinutes)
	if err != nil {
		return cfg, err
	}
	cfg.URLTTL = time.Duration(ttlMinutes) * time.Minute

	tempTTL, err := getInt64("FS_TEMP_TTL_HOURS", defaultTempTTLHours)
	if err != nil {
		return cfg, err
	}
	cfg.TempTTLHours = int(tempTTL)

	retries, err := getInt64("FS_STORE_RETRIES", defaultStoreRetries)
	if err != nil {
		return cfg, err
	}
	cfg.StoreRetries = int(retries)

	cfg.OperationTimeout = defaultOperationTimeout
	if v, exists := os.LookupEnv("FS_OPERATION_TIMEOUT"); exists && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("FS_OPERATION_TIMEOUT: %w", err)
		}
		cfg.OperationTimeout = d
	}

	if origins, exists := os.LookupEnv("FS_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(origins)
	}

	if cfg.URLSigningSecret == "" && cfg.Env == defaultEnv {
		cfg.URLSigningSecret = devSigningSecret
	}

	return cfg, cfg.validate()
}

// validate checks required parameters and numeric ranges.
func (c Config) validate() error {
	switch {
	case c.JWTIssuer == "":
		return fmt.Errorf("FS_JWT_ISSUER is required")
	case c.JWTAudience == "":
		return fmt.Errorf("FS_JWT_AUDIENCE is required")
	case len(c.URLSigningSecret) < 16:
		return fmt.Errorf("FS_URL_SIGNING_SECRET must be set to at least 16 bytes")
	case c.MaxFileSize <= 0:
		return fmt.Errorf("FS_MAX_FILE_SIZE must be positive")
	case c.URLTTL <= 0:
		return fmt.Errorf("FS_URL_TTL_MINUTES must be positive")
	case c.TempTTLHours <= 0:
		return fmt.Errorf("FS_TEMP_TTL_HOURS must be positive")
	case c.OperationTimeout <= 0:
		return fmt.Errorf("FS_OPERATION_TIMEOUT must be positive")
	case c.StoreRetries < 0:
		return fmt.Errorf("FS_STORE_RETRIES must not be negative")
	case len(c.AllowedMimeTypes) == 0:
		return fmt.Errorf("FS_ALLOWED_MIME_TYPES must list at least one type")
	case c.DefaultBucket == "" || c.TempBucket == "":
		return fmt.Errorf("FS_DEFAULT_BUCKET and FS_TEMP_BUCKET must not be empty")
	}
	return nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == defaultEnv
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getInt64 parses an integer variable, returning fallback if not set or empty
func getInt64(key string, fallback int64) (int64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// splitList splits a comma separated value and drops empty items.
func splitList(v string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
