package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the API server. Values resolve
// in order: defaults, optional YAML file, ACCESSREVIEW_* environment.
type Config struct {
	Addr        string `yaml:"addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	BlobDir     string `yaml:"blob_dir"`
	AuthSecret  string `yaml:"auth_secret"`

	RateLimitPerSecond int   `yaml:"rate_limit_per_second"`
	RateLimitBurst     int   `yaml:"rate_limit_burst"`
	MaxBodyBytes       int64 `yaml:"max_body_bytes"`

	LockTTL           time.Duration `yaml:"lock_ttl"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReconcileWorkers  int           `yaml:"reconcile_workers"`
	BlobRetryAttempts int           `yaml:"blob_retry_attempts"`
}

// Default returns the baked-in configuration.
func Default() Config {
	return Config{
		Addr:               ":8080",
		BlobDir:            "./data/blobs",
		RateLimitPerSecond: 25,
		RateLimitBurst:     50,
		MaxBodyBytes:       1 << 20,
		LockTTL:            2 * time.Minute,
		ShutdownTimeout:    10 * time.Second,
		ReconcileWorkers:   4,
		BlobRetryAttempts:  3,
	}
}

// Load resolves the configuration. An empty path skips the file layer; a
// named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Addr, "ACCESSREVIEW_ADDR")
	setString(&c.PostgresDSN, "ACCESSREVIEW_PG_DSN")
	setString(&c.RedisAddr, "ACCESSREVIEW_REDIS_ADDR")
	setString(&c.BlobDir, "ACCESSREVIEW_BLOB_DIR")
	setString(&c.AuthSecret, "ACCESSREVIEW_AUTH_SECRET")
	if err := setInt(&c.RateLimitPerSecond, "ACCESSREVIEW_RATE_LIMIT_PER_SECOND"); err != nil {
		return err
	}
	if err := setInt(&c.RateLimitBurst, "ACCESSREVIEW_RATE_LIMIT_BURST"); err != nil {
		return err
	}
	if err := setInt(&c.ReconcileWorkers, "ACCESSREVIEW_RECONCILE_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.BlobRetryAttempts, "ACCESSREVIEW_BLOB_RETRY_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&c.LockTTL, "ACCESSREVIEW_LOCK_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.ShutdownTimeout, "ACCESSREVIEW_SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
