// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Target     TargetConfig     `mapstructure:"target"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Session    SessionConfig    `mapstructure:"session"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots"`
	Database   DatabaseConfig   `mapstructure:"database"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

// ServerConfig controls the HTTP status server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr returns the listen address for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TargetConfig describes how individual listing pages are fetched.
type TargetConfig struct {
	// RequestTimeout bounds one fetch attempt end to end, including rate
	// admission and session checkout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// BlockSignatures replaces the built-in anti-bot signature set when
	// non-empty.
	BlockSignatures []string `mapstructure:"block_signatures"`
}

// RateLimitConfig bounds outbound request rates.
type RateLimitConfig struct {
	// RatePerSec is the global token bucket refill rate.
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	// Burst is the bucket capacity; zero derives it from the rate.
	Burst float64 `mapstructure:"burst"`
	// PerHostRPS throttles each hostname separately; zero disables it.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// SessionConfig sizes the browser-identity pool.
type SessionConfig struct {
	Size            int           `mapstructure:"size"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RetryConfig shapes transient-failure backoff.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt.
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DispatcherConfig bounds one crawl run.
type DispatcherConfig struct {
	Budget           time.Duration `mapstructure:"budget"`
	StopMargin       time.Duration `mapstructure:"stop_margin"`
	FinalRetryMargin time.Duration `mapstructure:"final_retry_margin"`
	MaxWorkers       int           `mapstructure:"max_workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	ClaimTTL         time.Duration `mapstructure:"claim_ttl"`
}

// HeadlessConfig configures the JavaScript rendering fallback.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// PromotionThresholdBytes is the body size below which script-heavy
	// pages are promoted to headless rendering.
	PromotionThresholdBytes int `mapstructure:"promotion_threshold_bytes"`
}

// SnapshotsConfig selects where raw page snapshots are archived.
type SnapshotsConfig struct {
	// Backend is one of gcs, local, memory, or none.
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DatabaseConfig selects the backlog/listing persistence backend.
type DatabaseConfig struct {
	// Backend is memory or postgres.
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds Google Pub/Sub wiring. Topic is the price-change event
// topic; Subscription feeds the discovery ingest command. Either may be
// empty to disable that side.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// ProgressConfig tunes the run event hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// Load builds a Config from disk and environment. An empty path searches
// the usual locations; a missing file is fine, defaults and SCRAPER_*
// environment variables still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scraper/")
		v.AddConfigPath("$HOME/.scraper")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)

	v.SetDefault("target.request_timeout", "30s")

	v.SetDefault("rate_limit.rate_per_sec", 2.0)
	v.SetDefault("rate_limit.burst", 4.0)
	v.SetDefault("rate_limit.per_host_rps", 1.0)
	v.SetDefault("rate_limit.per_host_burst", 1)

	v.SetDefault("session.size", 4)
	v.SetDefault("session.max_age", "15m")
	v.SetDefault("session.checkout_timeout", "5s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "60s")
	v.SetDefault("breaker.success_threshold", 3)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("dispatcher.budget", "14m")
	v.SetDefault("dispatcher.stop_margin", "60s")
	v.SetDefault("dispatcher.final_retry_margin", "30s")
	v.SetDefault("dispatcher.max_workers", 4)
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.claim_ttl", "30m")

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.promotion_threshold_bytes", 2048)

	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.content_type", "text/html; charset=utf-8")

	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.max_outstanding", 64)

	v.SetDefault("progress.buffer_size", 2048)
	v.SetDefault("progress.max_batch", 256)
	v.SetDefault("progress.flush_interval", "1s")
	v.SetDefault("progress.sink_timeout", "5s")
}

// Validate enforces required values and cross-field rules. Component-level
// constructors re-validate their own slices of the config.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Target.RequestTimeout <= 0 {
		return fmt.Errorf("target.request_timeout must be > 0")
	}
	if c.RateLimit.RatePerSec <= 0 {
		return fmt.Errorf("rate_limit.rate_per_sec must be > 0")
	}
	if c.Session.Size <= 0 {
		return fmt.Errorf("session.size must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold and breaker.success_threshold must be > 0")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Dispatcher.Budget <= 0 {
		return fmt.Errorf("dispatcher.budget must be > 0")
	}
	if c.Dispatcher.MaxWorkers <= 0 {
		return fmt.Errorf("dispatcher.max_workers must be > 0")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Snapshots.Backend {
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir must be set for the local backend")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("snapshots.backend must be one of gcs, local, memory, none; got %q", c.Snapshots.Backend)
	}
	switch c.Database.Backend {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("database.backend must be memory or postgres, got %q", c.Database.Backend)
	}
	if (c.PubSub.Topic != "" || c.PubSub.Subscription != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic or subscription is configured")
	}
	return nil
}
