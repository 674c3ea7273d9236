// Package config loads service configuration from the environment, with an
// optional YAML profile for delivery destinations and worker tuning. Every
// knob resolves through SETTLD_<NAME>, then NOOTERRA_<NAME>, then the bare
// name, so both prefixed deployments read the same values.
package config

import (
	"strconv"
	"time"

	"github.com/settld-labs/settld/pkg/fault"
)

// WorkerConfig tunes the outbox delivery worker.
type WorkerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	LeaseFor       time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
}

// RetentionConfig bounds how long derived data is kept. Event streams are
// never deleted; retention covers run uploads, bundles, and idempotency
// records.
type RetentionConfig struct {
	RunDays        int
	BundleDays     int
	IdempotencyTTL time.Duration
	SweepInterval  time.Duration
}

// Config is the full service configuration.
type Config struct {
	ListenAddr  string
	LogLevel    string
	DatabaseURL string // empty selects the in-memory store
	DataDir     string

	IngestSecret       string
	RedisURL           string
	RateLimitPerMinute int

	BundleStore string // file | s3 | gcs
	S3Bucket    string
	GCSBucket   string

	// LiteMode disables background workers and external stores; everything
	// runs in-process against the memory store.
	LiteMode bool

	Worker    WorkerConfig
	Retention RetentionConfig
}

// Getenv is the lookup Load resolves through; os.Getenv satisfies it.
type Getenv func(string) string

// Resolve returns the first non-empty of SETTLD_<name>, NOOTERRA_<name>,
// <name>.
func Resolve(get Getenv, name string) string {
	if v := get("SETTLD_" + name); v != "" {
		return v
	}
	if v := get("NOOTERRA_" + name); v != "" {
		return v
	}
	return get(name)
}

// Load reads configuration from the environment.
func Load(get Getenv) (*Config, error) {
	cfg := &Config{
		ListenAddr:  stringOr(get, "LISTEN_ADDR", ":8080"),
		LogLevel:    stringOr(get, "LOG_LEVEL", "info"),
		DatabaseURL: Resolve(get, "DATABASE_URL"),
		DataDir:     stringOr(get, "DATA_DIR", "/data"),

		IngestSecret: Resolve(get, "INGEST_SECRET"),
		RedisURL:     Resolve(get, "REDIS_URL"),

		BundleStore: stringOr(get, "BUNDLE_STORE", "file"),
		S3Bucket:    Resolve(get, "S3_BUCKET"),
		GCSBucket:   Resolve(get, "GCS_BUCKET"),

		LiteMode: Resolve(get, "LITE_MODE") == "true",
	}

	var err error
	if cfg.RateLimitPerMinute, err = intOr(get, "RATE_LIMIT_PER_MINUTE", 600); err != nil {
		return nil, err
	}
	if cfg.Worker.BatchSize, err = intOr(get, "OUTBOX_BATCH_SIZE", 16); err != nil {
		return nil, err
	}
	if cfg.Worker.PollInterval, err = durationOr(get, "OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Worker.LeaseFor, err = durationOr(get, "OUTBOX_LEASE_FOR", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Worker.RequestTimeout, err = durationOr(get, "DELIVERY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Worker.BackoffBase, err = durationOr(get, "DELIVERY_BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.Worker.BackoffCap, err = durationOr(get, "DELIVERY_BACKOFF_CAP", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Worker.MaxAttempts, err = intOr(get, "DELIVERY_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.Retention.RunDays, err = intOr(get, "RETENTION_RUN_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.Retention.BundleDays, err = intOr(get, "RETENTION_BUNDLE_DAYS", 365); err != nil {
		return nil, err
	}
	if cfg.Retention.IdempotencyTTL, err = durationOr(get, "IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Retention.SweepInterval, err = durationOr(get, "RETENTION_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stringOr(get Getenv, name, def string) string {
	if v := Resolve(get, name); v != "" {
		return v
	}
	return def
}

func intOr(get Getenv, name string, def int) (int, error) {
	v := Resolve(get, name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fault.Wrap(fault.CodeSchemaInvalid, name+" is not an integer", err)
	}
	return n, nil
}

func durationOr(get Getenv, name string, def time.Duration) (time.Duration, error) {
	v := Resolve(get, name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fault.Wrap(fault.CodeSchemaInvalid, name+" is not a duration", err)
	}
	return d, nil
}
