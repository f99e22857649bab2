// Package config defines the top-level configuration for the risk engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RISKENGINE_* environment variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Engine   EngineConfig   `toml:"engine"`
	PnL      PnLConfig      `toml:"pnl"`
	Risk     RiskConfig     `toml:"risk"`
	Market   MarketConfig   `toml:"market"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// EngineConfig tunes order placement and the LIMIT order processing loop.
type EngineConfig struct {
	// MaxQuoteAge treats older quotes as unavailable. Zero disables the check.
	MaxQuoteAge        duration `toml:"max_quote_age"`
	OrderRateLimit     int      `toml:"order_rate_limit"`
	OrderRateWindow    duration `toml:"order_rate_window"`
	LockRetryAttempts  int      `toml:"lock_retry_attempts"`
	LockRetryBackoff   duration `toml:"lock_retry_backoff"`
	LimitOrderInterval duration `toml:"limit_order_interval"`
	LimitOrderBatch    int      `toml:"limit_order_batch"`
	ConfigTTL          duration `toml:"config_ttl"`
}

// PnLConfig tunes the mark-to-market worker.
type PnLConfig struct {
	Interval        duration `toml:"interval"`
	BatchLimit      int      `toml:"batch_limit"`
	UpdateThreshold float64  `toml:"update_threshold"`
	LockTTL         duration `toml:"lock_ttl"`
}

// RiskConfig tunes the risk monitor and backstop.
type RiskConfig struct {
	Debounce           duration `toml:"debounce"`
	Concurrency        int      `toml:"concurrency"`
	BackstopInterval   duration `toml:"backstop_interval"`
	StaleAfter         duration `toml:"stale_after"`
	BatchLimit         int      `toml:"batch_limit"`
	ThresholdTTL       duration `toml:"threshold_ttl"`
	WarningThreshold   float64  `toml:"warning_threshold"`
	AutoCloseThreshold float64  `toml:"auto_close_threshold"`
	WarningCooldown    duration `toml:"warning_cooldown"`
}

// SessionConfig is one segment's trading window in "15:04" form.
type SessionConfig struct {
	Open  string `toml:"open"`
	Close string `toml:"close"`
}

// MarketConfig holds the trading calendar.
type MarketConfig struct {
	Timezone   string                   `toml:"timezone"`
	Holidays   []string                 `toml:"holidays"`
	Sessions   map[string]SessionConfig `toml:"sessions"`
	// AlwaysOpen disables the trading window check (paper trading, tests).
	AlwaysOpen bool                     `toml:"always_open"`
}

// ArchiveConfig holds cold-storage retention parameters.
type ArchiveConfig struct {
	RetentionDays int `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "riskengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "riskengine-archive",
			ForcePathStyle: true,
			Prefix:         "ledger",
			PartSizeMB:     8,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"risk_warning", "risk_auto_close", "stop_loss", "target"},
		},
		Engine: EngineConfig{
			MaxQuoteAge:        duration{30 * time.Second},
			OrderRateLimit:     20,
			OrderRateWindow:    duration{time.Second},
			LockRetryAttempts:  3,
			LockRetryBackoff:   duration{25 * time.Millisecond},
			LimitOrderInterval: duration{time.Second},
			LimitOrderBatch:    500,
			ConfigTTL:          duration{15 * time.Second},
		},
		PnL: PnLConfig{
			Interval:        duration{3 * time.Second},
			BatchLimit:      1000,
			UpdateThreshold: 0.01,
			LockTTL:         duration{30 * time.Second},
		},
		Risk: RiskConfig{
			Debounce:           duration{5 * time.Second},
			Concurrency:        8,
			BackstopInterval:   duration{30 * time.Second},
			StaleAfter:         duration{20 * time.Second},
			BatchLimit:         500,
			ThresholdTTL:       duration{10 * time.Second},
			WarningThreshold:   0.75,
			AutoCloseThreshold: 0.90,
			WarningCooldown:    duration{5 * time.Minute},
		},
		Market: MarketConfig{
			Timezone: "Asia/Kolkata",
			Sessions: map[string]SessionConfig{
				"NSE": {Open: "09:15", Close: "15:30"},
				"BSE": {Open: "09:15", Close: "15:30"},
				"NFO": {Open: "09:15", Close: "15:30"},
				"BFO": {Open: "09:15", Close: "15:30"},
				"CDS": {Open: "09:00", Close: "17:00"},
				"MCX": {Open: "09:00", Close: "23:30"},
			},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":     true,
	"engine":  true,
	"full":    true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, engine, full, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only needed by the archive mode.
	if strings.EqualFold(c.Mode, "archive") {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Engine
	if c.Engine.OrderRateLimit < 0 {
		errs = append(errs, "engine: order_rate_limit must be >= 0")
	}
	if c.Engine.OrderRateLimit > 0 && c.Engine.OrderRateWindow.Duration <= 0 {
		errs = append(errs, "engine: order_rate_window must be > 0 when order_rate_limit is set")
	}
	if c.Engine.LockRetryAttempts < 1 {
		errs = append(errs, "engine: lock_retry_attempts must be >= 1")
	}
	if c.Engine.LimitOrderInterval.Duration <= 0 {
		errs = append(errs, "engine: limit_order_interval must be > 0")
	}
	if c.Engine.LimitOrderBatch < 1 {
		errs = append(errs, "engine: limit_order_batch must be >= 1")
	}

	// PnL
	if c.PnL.Interval.Duration <= 0 {
		errs = append(errs, "pnl: interval must be > 0")
	}
	if c.PnL.BatchLimit < 1 {
		errs = append(errs, "pnl: batch_limit must be >= 1")
	}
	if c.PnL.UpdateThreshold < 0 {
		errs = append(errs, "pnl: update_threshold must be >= 0")
	}

	// Risk
	if c.Risk.WarningThreshold <= 0 || c.Risk.WarningThreshold > 1 {
		errs = append(errs, fmt.Sprintf("risk: warning_threshold must be in (0, 1], got %v", c.Risk.WarningThreshold))
	}
	if c.Risk.AutoCloseThreshold <= 0 || c.Risk.AutoCloseThreshold > 1 {
		errs = append(errs, fmt.Sprintf("risk: auto_close_threshold must be in (0, 1], got %v", c.Risk.AutoCloseThreshold))
	}
	if c.Risk.WarningThreshold > c.Risk.AutoCloseThreshold {
		errs = append(errs, "risk: warning_threshold must not exceed auto_close_threshold")
	}
	if c.Risk.Concurrency < 1 {
		errs = append(errs, "risk: concurrency must be >= 1")
	}
	if c.Risk.BackstopInterval.Duration <= 0 {
		errs = append(errs, "risk: backstop_interval must be > 0")
	}
	if c.Risk.BatchLimit < 1 {
		errs = append(errs, "risk: batch_limit must be >= 1")
	}

	// Market
	if !c.Market.AlwaysOpen {
		if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("market: invalid timezone %q", c.Market.Timezone))
		}
		for seg, s := range c.Market.Sessions {
			if _, err := time.Parse("15:04", s.Open); err != nil {
				errs = append(errs, fmt.Sprintf("market: session %s open %q must be HH:MM", seg, s.Open))
			}
			if _, err := time.Parse("15:04", s.Close); err != nil {
				errs = append(errs, fmt.Sprintf("market: session %s close %q must be HH:MM", seg, s.Close))
			}
		}
		for _, h := range c.Market.Holidays {
			if _, err := time.Parse(time.DateOnly, h); err != nil {
				errs = append(errs, fmt.Sprintf("market: holiday %q must be YYYY-MM-DD", h))
			}
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
