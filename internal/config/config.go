// Package config loads process configuration from environment variables
// with command-line flag overrides, following the env-then-flag
// precedence pattern of the reference control binary.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"buildomat/pkg/crypto"
)

// Config holds every tunable of the buildomatd process.
type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	LogLevel string

	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobUseTLS    bool
	BlobPrefix    string

	StoreValueEncryptionKey string

	// AdminToken, if set, authenticates the admin endpoints directly
	// without requiring a delegated admin.* privilege on a user.
	AdminToken string

	AssignPollInterval  time.Duration
	LeaseDefaultTTL     time.Duration
	WorkerPingTimeout   time.Duration
	ArchiveGracePeriod  time.Duration
	ArchivePollInterval time.Duration

	MaxBytesPerInput int64

	ShutdownGrace time.Duration

	// CORSAllowedOrigin is the single origin the HTTP API accepts
	// cross-origin requests from (e.g. a web console served from a
	// different host). Empty disables CORS headers entirely, which is
	// correct for a fleet of CLI/API clients with no browser console.
	CORSAllowedOrigin string
}

func Default() Config {
	return Config{
		HTTPAddr:            getenv("BUILDOMAT_HTTP_ADDR", ":8080"),
		DataDir:             getenv("BUILDOMAT_DATA_DIR", "./data"),
		LogLevel:            getenv("BUILDOMAT_LOG_LEVEL", "info"),
		BlobEndpoint:        getenv("BUILDOMAT_BLOB_ENDPOINT", "localhost:9000"),
		BlobAccessKey:       getenv("BUILDOMAT_BLOB_ACCESS_KEY", ""),
		BlobSecretKey:       getenv("BUILDOMAT_BLOB_SECRET_KEY", ""),
		BlobBucket:          getenv("BUILDOMAT_BLOB_BUCKET", "buildomat"),
		BlobUseTLS:          getenvBool("BUILDOMAT_BLOB_USE_TLS", false),
		BlobPrefix:          getenv("BUILDOMAT_BLOB_PREFIX", "buildomat"),
		StoreValueEncryptionKey: getenv("BUILDOMAT_ENCRYPTION_KEY", ""),
		AdminToken:          getenv("BUILDOMAT_ADMIN_TOKEN", ""),
		AssignPollInterval:  getenvDuration("BUILDOMAT_ASSIGN_INTERVAL", time.Second),
		LeaseDefaultTTL:     getenvDuration("BUILDOMAT_LEASE_TTL", 60*time.Second),
		WorkerPingTimeout:   getenvDuration("BUILDOMAT_WORKER_PING_TIMEOUT", 5*time.Minute),
		ArchiveGracePeriod:  getenvDuration("BUILDOMAT_ARCHIVE_GRACE", 24*time.Hour),
		ArchivePollInterval: getenvDuration("BUILDOMAT_ARCHIVE_INTERVAL", 30*time.Second),
		MaxBytesPerInput:    getenvInt64("BUILDOMAT_MAX_INPUT_BYTES", 1<<30),
		ShutdownGrace:       getenvDuration("BUILDOMAT_SHUTDOWN_GRACE", 20*time.Second),
		CORSAllowedOrigin:   getenv("BUILDOMAT_CORS_ORIGIN", ""),
	}
}

// Parse builds a Config from defaults/env, then lets flags override it.
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("buildomatd", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env BUILDOMAT_HTTP_ADDR)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "local data directory (env BUILDOMAT_DATA_DIR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env BUILDOMAT_LOG_LEVEL)")
	fs.StringVar(&cfg.BlobEndpoint, "blob-endpoint", cfg.BlobEndpoint, "S3-compatible endpoint (env BUILDOMAT_BLOB_ENDPOINT)")
	fs.StringVar(&cfg.BlobBucket, "blob-bucket", cfg.BlobBucket, "blob storage bucket (env BUILDOMAT_BLOB_BUCKET)")
	fs.StringVar(&cfg.BlobPrefix, "blob-prefix", cfg.BlobPrefix, "blob storage key prefix (env BUILDOMAT_BLOB_PREFIX)")
	fs.DurationVar(&cfg.AssignPollInterval, "assign-interval", cfg.AssignPollInterval, "assignment loop poll interval")
	fs.DurationVar(&cfg.LeaseDefaultTTL, "lease-ttl", cfg.LeaseDefaultTTL, "default factory lease TTL")
	fs.DurationVar(&cfg.ArchiveGracePeriod, "archive-grace", cfg.ArchiveGracePeriod, "minimum age before a completed job is archived")
	fs.Int64Var(&cfg.MaxBytesPerInput, "max-input-bytes", cfg.MaxBytesPerInput, "per-input byte cap")
	fs.StringVar(&cfg.CORSAllowedOrigin, "cors-origin", cfg.CORSAllowedOrigin, "origin allowed to make cross-origin API requests, empty disables CORS (env BUILDOMAT_CORS_ORIGIN)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.DBPath = cfg.DataDir + "/data.sqlite3"
	return cfg, nil
}

// LogStartup logs the effective configuration with secrets redacted.
func (c Config) LogStartup(logger *slog.Logger) {
	logger.Info("starting buildomatd",
		"http_addr", c.HTTPAddr,
		"data_dir", c.DataDir,
		"log_level", c.LogLevel,
		"blob_endpoint", c.BlobEndpoint,
		"blob_bucket", c.BlobBucket,
		"blob_access_key", crypto.RedactSecret(c.BlobAccessKey),
		"blob_secret_key", crypto.RedactSecret(c.BlobSecretKey),
		"encryption_key", crypto.RedactSecret(c.StoreValueEncryptionKey),
		"assign_interval", c.AssignPollInterval,
		"lease_ttl", c.LeaseDefaultTTL,
		"archive_grace", c.ArchiveGracePeriod,
		"max_input_bytes", c.MaxBytesPerInput,
		"cors_origin", c.CORSAllowedOrigin,
	)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

// ValidateForStart returns an error describing the first configuration
// problem that would prevent the process from starting.
func (c Config) ValidateForStart() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.MaxBytesPerInput <= 0 {
		return fmt.Errorf("max input bytes must be positive")
	}
	return nil
}
