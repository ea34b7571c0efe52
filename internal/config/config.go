package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// MaxIngestBatchSize はINGEST_BATCH_SIZEの上限。
// 1行4パラメータの挿入がSQLiteのバインド変数上限（32766）に収まる件数。
const MaxIngestBatchSize = 8191

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL" env-required:"true"`

	// Claim
	LeaseDuration time.Duration `yaml:"lease_duration" env:"LEASE_DURATION" env-default:"10m"`
	MaxBatchSize  int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE" env-default:"50"`
	MaxExtension  time.Duration `yaml:"max_extension" env:"MAX_EXTENSION" env-default:"30m"`

	// Worker
	ReclaimInterval time.Duration `yaml:"reclaim_interval" env:"RECLAIM_INTERVAL" env-default:"5m"`
	WorkerLockPath  string        `yaml:"worker_lock_path" env:"WORKER_LOCK_PATH"`

	// Sync
	SyncSource      string        `yaml:"sync_source" env:"SYNC_SOURCE"`
	SyncInterval    time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL" env-default:"15m"`
	IngestBatchSize int           `yaml:"ingest_batch_size" env:"INGEST_BATCH_SIZE" env-default:"1000"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" env-default:"10s"`

	// Stats
	StatsCacheTTL time.Duration `yaml:"stats_cache_ttl" env:"STATS_CACHE_TTL" env-default:"0s"`

	// Admin
	AdminSecret string `yaml:"admin_secret" env:"ADMIN_SECRET"`

	// Rate Limit
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE" env-default:"120"`

	// Server
	ServerPort        string `yaml:"server_port" env:"SERVER_PORT" env-default:"8080"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin" env:"CORS_ALLOWED_ORIGIN" env-default:"http://localhost:3000"`

	// Logging
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// Load は設定を読み込む。
// CONFIG_PATHが設定されている場合はYAMLファイルを読み込み、環境変数で上書きする。
// 未設定の場合は環境変数とデフォルト値のみを使用する。
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if cfg.WorkerLockPath == "" {
		cfg.WorkerLockPath = filepath.Join(os.TempDir(), "labelq-worker.lock")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// Validate は設定値の範囲を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_DURATION must be positive, got %s", c.LeaseDuration))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_SIZE must be >= 1, got %d", c.MaxBatchSize))
	}
	if c.MaxExtension <= 0 {
		errs = append(errs, fmt.Errorf("MAX_EXTENSION must be positive, got %s", c.MaxExtension))
	}
	if c.ReclaimInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECLAIM_INTERVAL must be positive, got %s", c.ReclaimInterval))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval))
	}
	if c.IngestBatchSize < 1 || c.IngestBatchSize > MaxIngestBatchSize {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_SIZE must be between 1 and %d, got %d", MaxIngestBatchSize, c.IngestBatchSize))
	}
	if c.StatsCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("STATS_CACHE_TTL must not be negative, got %s", c.StatsCacheTTL))
	}
	if c.RateLimitPerMinute < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 1, got %d", c.RateLimitPerMinute))
	}
	if c.SyncSource != "" && !strings.HasPrefix(c.SyncSource, "dir://") &&
		!strings.HasPrefix(c.SyncSource, "http://") && !strings.HasPrefix(c.SyncSource, "https://") {
		errs = append(errs, fmt.Errorf("SYNC_SOURCE must start with dir://, http:// or https://, got %q", c.SyncSource))
	}

	return errors.Join(errs...)
}

// Usage は環境変数の一覧と説明を返す。
func Usage() string {
	var cfg Config
	desc, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return desc
}
