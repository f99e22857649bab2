package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RISKENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RISKENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "RISKENGINE_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "RISKENGINE_DATABASE_HOST")
	setInt(&cfg.Database.Port, "RISKENGINE_DATABASE_PORT")
	setStr(&cfg.Database.Database, "RISKENGINE_DATABASE_NAME")
	setStr(&cfg.Database.User, "RISKENGINE_DATABASE_USER")
	setStr(&cfg.Database.Password, "RISKENGINE_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "RISKENGINE_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "RISKENGINE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "RISKENGINE_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "RISKENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RISKENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RISKENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RISKENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RISKENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RISKENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RISKENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RISKENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RISKENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "RISKENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RISKENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RISKENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RISKENGINE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "RISKENGINE_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RISKENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RISKENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RISKENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RISKENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "RISKENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "RISKENGINE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RISKENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RISKENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RISKENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RISKENGINE_NOTIFY_EVENTS")

	// ── Engine ──
	setDuration(&cfg.Engine.MaxQuoteAge, "RISKENGINE_ENGINE_MAX_QUOTE_AGE")
	setInt(&cfg.Engine.OrderRateLimit, "RISKENGINE_ENGINE_ORDER_RATE_LIMIT")
	setDuration(&cfg.Engine.OrderRateWindow, "RISKENGINE_ENGINE_ORDER_RATE_WINDOW")
	setInt(&cfg.Engine.LockRetryAttempts, "RISKENGINE_ENGINE_LOCK_RETRY_ATTEMPTS")
	setDuration(&cfg.Engine.LockRetryBackoff, "RISKENGINE_ENGINE_LOCK_RETRY_BACKOFF")
	setDuration(&cfg.Engine.LimitOrderInterval, "RISKENGINE_ENGINE_LIMIT_ORDER_INTERVAL")
	setInt(&cfg.Engine.LimitOrderBatch, "RISKENGINE_ENGINE_LIMIT_ORDER_BATCH")
	setDuration(&cfg.Engine.ConfigTTL, "RISKENGINE_ENGINE_CONFIG_TTL")

	// ── PnL ──
	setDuration(&cfg.PnL.Interval, "RISKENGINE_PNL_INTERVAL")
	setInt(&cfg.PnL.BatchLimit, "RISKENGINE_PNL_BATCH_LIMIT")
	setFloat64(&cfg.PnL.UpdateThreshold, "RISKENGINE_PNL_UPDATE_THRESHOLD")
	setDuration(&cfg.PnL.LockTTL, "RISKENGINE_PNL_LOCK_TTL")

	// ── Risk ──
	setDuration(&cfg.Risk.Debounce, "RISKENGINE_RISK_DEBOUNCE")
	setInt(&cfg.Risk.Concurrency, "RISKENGINE_RISK_CONCURRENCY")
	setDuration(&cfg.Risk.BackstopInterval, "RISKENGINE_RISK_BACKSTOP_INTERVAL")
	setDuration(&cfg.Risk.StaleAfter, "RISKENGINE_RISK_STALE_AFTER")
	setInt(&cfg.Risk.BatchLimit, "RISKENGINE_RISK_BATCH_LIMIT")
	setDuration(&cfg.Risk.ThresholdTTL, "RISKENGINE_RISK_THRESHOLD_TTL")
	setFloat64(&cfg.Risk.WarningThreshold, "RISKENGINE_RISK_WARNING_THRESHOLD")
	setFloat64(&cfg.Risk.AutoCloseThreshold, "RISKENGINE_RISK_AUTO_CLOSE_THRESHOLD")
	setDuration(&cfg.Risk.WarningCooldown, "RISKENGINE_RISK_WARNING_COOLDOWN")

	// ── Market ──
	setStr(&cfg.Market.Timezone, "RISKENGINE_MARKET_TIMEZONE")
	setStringSlice(&cfg.Market.Holidays, "RISKENGINE_MARKET_HOLIDAYS")
	setBool(&cfg.Market.AlwaysOpen, "RISKENGINE_MARKET_ALWAYS_OPEN")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "RISKENGINE_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RISKENGINE_MODE")
	setStr(&cfg.LogLevel, "RISKENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
